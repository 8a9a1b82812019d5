// Package client 是对话服务 HTTP 接口（POST / 与 GET /history）的客户端。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"msgchain-go/internal/model"
	"msgchain-go/pkg/llm"
	"net/http"
	"strings"
	"time"
)

// ErrServer 表示服务端返回了错误响应。
var ErrServer = errors.New("conversation server error")

// ConversationClient 通过 HTTP 调用对话服务。
type ConversationClient struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建一个客户端。timeout 需覆盖服务端的一次补全调用。
func New(baseURL string, timeout time.Duration) *ConversationClient {
	return &ConversationClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Msg string `json:"msg"`
}

type chatResponse struct {
	AI    string `json:"ai"`
	Error string `json:"error"`
}

type historyResponse struct {
	Conversations []model.ConversationEntry `json:"conversations"`
	Error         string                    `json:"error"`
}

// Handle 发送一条消息并返回 AI 文本。失败统一包装为 llm.ErrCompletion，
// 与进程内的补全调用保持一致。
func (c *ConversationClient) Handle(ctx context.Context, userText string) (string, error) {
	body, err := json.Marshal(chatRequest{Msg: userText})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out chatResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("%w: %w", llm.ErrCompletion, err)
	}
	return out.AI, nil
}

// History 读取完整的对话日志。
func (c *ConversationClient) History(ctx context.Context) ([]model.ConversationEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history", nil)
	if err != nil {
		return nil, err
	}
	var out historyResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.Conversations == nil {
		out.Conversations = []model.ConversationEntry{}
	}
	return out.Conversations, nil
}

func (c *ConversationClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("%w: status %d: %s", ErrServer, resp.StatusCode, e.Error)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
