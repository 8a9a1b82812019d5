// Package pipeline 定义了对话记录下游处理的核心流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"msgchain-go/internal/model"
	"msgchain-go/pkg/es"
	"msgchain-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

// Indexer 把对话记录写入 Elasticsearch。它既是 Kafka 消费者的处理器，
// 也可以在未启用 Kafka 时直接作为对话服务的下游。
type Indexer struct {
	esClient  *elasticsearch.Client
	indexName string
}

// NewIndexer 创建一个新的 Indexer 实例。
func NewIndexer(esClient *elasticsearch.Client, indexName string) *Indexer {
	return &Indexer{esClient: esClient, indexName: indexName}
}

// Process 处理一条来自 Kafka 的对话事件。
func (p *Indexer) Process(ctx context.Context, event model.ConversationEvent) error {
	if event.Entry.Timestamp == "" {
		return errors.New("conversation event has no entry")
	}
	// 事件 ID 与内容不符时以内容摘要为准，保证重复投递写同一文档
	id := event.Entry.Digest()
	if event.ID != "" && event.ID != id {
		log.Warnf("[Indexer] 事件 ID 与记录摘要不一致, eventID: %s, digest: %s", event.ID, id)
	}
	return p.index(ctx, id, event.Entry)
}

// PublishEntry 直接索引一条记录。
func (p *Indexer) PublishEntry(ctx context.Context, entry model.ConversationEntry) error {
	return p.index(ctx, entry.Digest(), entry)
}

func (p *Indexer) index(ctx context.Context, id string, entry model.ConversationEntry) error {
	doc := model.EsConversationDocument{
		ID:        id,
		Timestamp: entry.Timestamp,
		User:      entry.User,
		AI:        entry.AI,
	}
	if err := es.IndexEntry(ctx, p.esClient, p.indexName, doc); err != nil {
		log.Errorf("[Indexer] 索引对话记录失败, ID: %s, Error: %v", id, err)
		return fmt.Errorf("索引对话记录失败: %w", err)
	}
	log.Infof("[Indexer] 对话记录已索引, ID: %s", id)
	return nil
}
