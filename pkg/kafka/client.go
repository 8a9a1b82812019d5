// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"msgchain-go/internal/config"
	"msgchain-go/internal/model"
	"msgchain-go/pkg/log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 是单条事件处理失败后重试的上限，达到后提交 offset 放弃。
const maxAttempts = 3

// retryBackoff 是两次重试之间的基础等待时间。
var retryBackoff = time.Second

// maxFetchBackoff 是读取失败后退避时间的上限。
const maxFetchBackoff = 30 * time.Second

// EventProcessor defines the interface for any service that can process a conversation event.
// This decouples the Kafka consumer from the concrete indexing pipeline.
type EventProcessor interface {
	Process(ctx context.Context, event model.ConversationEvent) error
}

// Producer 把对话记录作为事件发布到 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishEntry 发送一条对话记录事件，以记录摘要作为消息键。
func (p *Producer) PublishEntry(ctx context.Context, entry model.ConversationEntry) error {
	event := model.ConversationEvent{ID: entry.Digest(), Entry: entry}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ID),
		Value: value,
	})
}

// Close 刷新并关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者来处理对话事件，ctx 取消时退出。
// rdb 为 nil 时使用进程内计数。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor EventProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	consume(ctx, r, processor, newAttemptCounter(rdb))
}

// messageReader 是 consume 需要的 *kafka.Reader 子集。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func consume(ctx context.Context, r messageReader, processor EventProcessor, counter *attemptCounter) {
	fetchFailures := 0
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Info("Kafka 消费者已停止")
				return
			}
			// 读取失败（broker 不可用等）时退避后继续，不退出消费循环
			fetchFailures++
			wait := time.Duration(fetchFailures) * retryBackoff
			if wait > maxFetchBackoff {
				wait = maxFetchBackoff
			}
			log.Errorf("从 Kafka 读取消息失败，%s 后重试: %v", wait, err)
			if !sleepCtx(ctx, wait) {
				log.Info("Kafka 消费者已停止")
				return
			}
			continue
		}
		fetchFailures = 0

		var event model.ConversationEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		// FetchMessage 不会重新投递未提交的消息，因此失败时在此原地重试
		for {
			err := processor.Process(ctx, event)
			if err == nil {
				break
			}
			log.Errorf("处理对话事件失败: id=%s, error: %v", event.ID, err)
			attempts := counter.incr(ctx, event.ID)
			if attempts >= maxAttempts {
				log.Errorf("对话事件多次失败(>=%d)，提交 offset 终止重试: id=%s", maxAttempts, event.ID)
				break
			}
			if !sleepCtx(ctx, time.Duration(attempts)*retryBackoff) {
				log.Info("Kafka 消费者已停止")
				return
			}
		}

		counter.reset(ctx, event.ID)
		commit(ctx, r, m)
	}
}

// sleepCtx 等待 d，ctx 先结束时返回 false。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func commit(ctx context.Context, r messageReader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

// attemptCounter 统计每个事件的失败次数，优先使用 Redis。
type attemptCounter struct {
	rdb   *redis.Client
	local map[string]int64
}

func newAttemptCounter(rdb *redis.Client) *attemptCounter {
	return &attemptCounter{rdb: rdb, local: map[string]int64{}}
}

func attemptsKey(id string) string {
	return fmt.Sprintf("kafka:attempts:%s", id)
}

func (c *attemptCounter) incr(ctx context.Context, id string) int64 {
	if c.rdb != nil {
		n, err := c.rdb.Incr(ctx, attemptsKey(id)).Result()
		if err == nil {
			_ = c.rdb.Expire(ctx, attemptsKey(id), 24*time.Hour).Err()
			return n
		}
		log.Warnf("Redis 计数失败，使用进程内计数: %v", err)
	}
	c.local[id]++
	return c.local[id]
}

func (c *attemptCounter) reset(ctx context.Context, id string) {
	delete(c.local, id)
	if c.rdb != nil {
		_ = c.rdb.Del(ctx, attemptsKey(id)).Err()
	}
}
