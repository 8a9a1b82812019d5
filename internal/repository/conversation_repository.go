// Package repository 提供了数据访问层的实现。
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"msgchain-go/internal/model"
	"msgchain-go/pkg/log"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-redis/redis/v8"
)

// ErrLogIO 表示对话日志的读写失败。它从不向用户流程传播。
var ErrLogIO = errors.New("conversation log i/o failed")

// ConversationLogRepository 定义了仅追加的对话日志操作接口。
type ConversationLogRepository interface {
	// Read 返回全部记录；日志不存在或读取失败时返回空切片，从不报错。
	Read(ctx context.Context) []model.ConversationEntry
	// Append 读取完整日志、在末尾追加一条并整体重写。失败只记录日志。
	Append(ctx context.Context, entry model.ConversationEntry)
	// Snapshot 返回当前持久化的完整文档（用于归档）。
	Snapshot(ctx context.Context) ([]byte, error)
}

// documentStore 以整体文档的形式加载和保存日志。
// Load 在文档不存在时返回 (nil, nil)。
type documentStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Name() string
}

type conversationLogRepository struct {
	store documentStore
	// mu 保护一次追加的读-改-写，以及 backlog
	mu sync.Mutex
	// backlog 保存因读取失败而未能写入的记录，下次成功追加时按顺序补写
	backlog []model.ConversationEntry
}

// NewFileConversationLogRepository 创建一个基于单个 JSON 文件的日志仓库。
func NewFileConversationLogRepository(path string) ConversationLogRepository {
	return &conversationLogRepository{store: &fileDocumentStore{path: path}}
}

// NewRedisConversationLogRepository 创建一个把整个日志文档存放在单个 Redis key 中的仓库。
func NewRedisConversationLogRepository(redisClient *redis.Client, key string) ConversationLogRepository {
	return &conversationLogRepository{store: &redisDocumentStore{client: redisClient, key: key}}
}

// Read 从存储中读取完整的对话日志。
func (r *conversationLogRepository) Read(ctx context.Context) []model.ConversationEntry {
	entries, err := r.load(ctx)
	if err != nil {
		log.Errorw("读取对话日志失败", "store", r.store.Name(), "error", err)
		return []model.ConversationEntry{}
	}
	return entries
}

// Append 追加一条记录。读取失败时不重写存储，以免覆盖已有历史。
func (r *conversationLogRepository) Append(ctx context.Context, entry model.ConversationEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load(ctx)
	if err != nil {
		r.backlog = append(r.backlog, entry)
		log.Errorw("读取对话日志失败，记录暂存待补写",
			"store", r.store.Name(), "backlog", len(r.backlog), "error", err)
		return
	}

	pending := append(append([]model.ConversationEntry{}, r.backlog...), entry)
	entries = append(entries, pending...)

	data, err := encodeLog(entries)
	if err != nil {
		r.backlog = pending
		log.Errorw("序列化对话日志失败", "store", r.store.Name(), "error", err)
		return
	}
	if err := r.store.Save(ctx, data); err != nil {
		r.backlog = pending
		log.Errorw("写入对话日志失败，记录暂存待补写",
			"store", r.store.Name(), "backlog", len(r.backlog), "error", fmt.Errorf("%w: %w", ErrLogIO, err))
		return
	}
	if len(pending) > 1 {
		log.Infof("对话日志已补写 %d 条暂存记录", len(pending)-1)
	}
	r.backlog = nil
}

// Snapshot 返回当前持久化的日志文档；文档不存在时返回空数组。
func (r *conversationLogRepository) Snapshot(ctx context.Context) ([]byte, error) {
	entries, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return encodeLog(entries)
}

// Pending 返回尚未写入的暂存记录数。
func (r *conversationLogRepository) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}

func (r *conversationLogRepository) load(ctx context.Context) ([]model.ConversationEntry, error) {
	data, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLogIO, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []model.ConversationEntry{}, nil
	}
	var entries []model.ConversationEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal conversation log: %w", ErrLogIO, err)
	}
	if entries == nil {
		entries = []model.ConversationEntry{}
	}
	return entries, nil
}

// encodeLog 以 2 空格缩进输出 JSON 数组。
func encodeLog(entries []model.ConversationEntry) ([]byte, error) {
	if entries == nil {
		entries = []model.ConversationEntry{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// fileDocumentStore 把日志保存在单个 JSON 文件中。
type fileDocumentStore struct {
	path string
}

func (s *fileDocumentStore) Name() string { return "file:" + s.path }

func (s *fileDocumentStore) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Save 先写临时文件再重命名，整体替换旧文档。
func (s *fileDocumentStore) Save(ctx context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// redisDocumentStore 把整个日志文档保存在一个 Redis key 中，不设置过期时间。
type redisDocumentStore struct {
	client *redis.Client
	key    string
}

func (s *redisDocumentStore) Name() string { return "redis:" + s.key }

func (s *redisDocumentStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation log: %w", err)
	}
	return data, nil
}

func (s *redisDocumentStore) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set conversation log: %w", err)
	}
	return nil
}
