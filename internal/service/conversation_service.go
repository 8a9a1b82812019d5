// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"msgchain-go/internal/model"
	"msgchain-go/internal/repository"
	"msgchain-go/pkg/llm"
	"msgchain-go/pkg/log"
	"strings"
	"time"
)

// ErrValidation 表示请求缺少必填内容。
var ErrValidation = errors.New("validation failed")

// EntrySink 接收每条成功追加的对话记录（Kafka 生产者或直接写入 ES 的索引器）。
type EntrySink interface {
	PublishEntry(ctx context.Context, entry model.ConversationEntry) error
}

// ConversationService 定义了对话业务逻辑的接口。
type ConversationService interface {
	Handle(ctx context.Context, userText string) (string, error)
	History(ctx context.Context) ([]model.ConversationEntry, error)
}

type conversationService struct {
	llmClient llm.Client
	logRepo   repository.ConversationLogRepository
	sinks     []EntrySink
	now       func() time.Time
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(llmClient llm.Client, logRepo repository.ConversationLogRepository, sinks ...EntrySink) ConversationService {
	return &conversationService{
		llmClient: llmClient,
		logRepo:   logRepo,
		sinks:     sinks,
		now:       time.Now,
	}
}

// Handle 调用补全服务，成功后追加一条记录并返回 AI 文本。
// 补全失败时不追加任何记录。
func (s *conversationService) Handle(ctx context.Context, userText string) (string, error) {
	if strings.TrimSpace(userText) == "" {
		return "", fmt.Errorf("%w: msg is required", ErrValidation)
	}

	ai, err := s.llmClient.Complete(ctx, userText)
	if err != nil {
		return "", fmt.Errorf("failed to get completion: %w", err)
	}

	entry := model.NewConversationEntry(s.now(), userText, ai)
	// 日志写入失败只记录，不影响返回
	s.logRepo.Append(ctx, entry)
	s.fanOut(ctx, entry)
	return ai, nil
}

// History 返回完整的对话日志。
func (s *conversationService) History(ctx context.Context) ([]model.ConversationEntry, error) {
	return s.logRepo.Read(ctx), nil
}

// fanOut 尽力将记录分发给下游，失败只记日志。
func (s *conversationService) fanOut(ctx context.Context, entry model.ConversationEntry) {
	if len(s.sinks) == 0 {
		return
	}
	// 使用独立的上下文，请求被取消时仍然分发已落盘的记录
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, sink := range s.sinks {
		if err := sink.PublishEntry(sinkCtx, entry); err != nil {
			log.Warnw("failed to publish conversation entry", "id", entry.Digest(), "error", err)
		}
	}
}
