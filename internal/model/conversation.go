// Package model 包含了应用的数据模型定义。
package model

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/sha3"
)

// isoTimeFormat 与 JavaScript 的 Date.toISOString 输出一致（UTC，毫秒精度）。
const isoTimeFormat = "2006-01-02T15:04:05.000Z"

// ConversationEntry 代表对话日志中的一条记录，追加后不可修改。
type ConversationEntry struct {
	Timestamp string `json:"timestamp"`
	User      string `json:"user"`
	AI        string `json:"ai"`
}

// NewConversationEntry 使用给定时间构造一条记录。
func NewConversationEntry(at time.Time, user, ai string) ConversationEntry {
	return ConversationEntry{
		Timestamp: FormatTimestamp(at),
		User:      user,
		AI:        ai,
	}
}

// FormatTimestamp 将时间格式化为 ISO-8601 字符串。
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoTimeFormat)
}

// Digest 返回记录内容的 Keccak-256 摘要（hex），用作索引与消息键。
func (e ConversationEntry) Digest() string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(e.Timestamp))
	h.Write([]byte{0})
	h.Write([]byte(e.User))
	h.Write([]byte{0})
	h.Write([]byte(e.AI))
	return hex.EncodeToString(h.Sum(nil))
}

// ConversationEvent 是每条记录追加后向 Kafka 发布的事件。
type ConversationEvent struct {
	ID    string            `json:"id"`
	Entry ConversationEntry `json:"entry"`
}

// EsConversationDocument 是写入 Elasticsearch 的文档结构。
type EsConversationDocument struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	User      string `json:"user"`
	AI        string `json:"ai"`
}
