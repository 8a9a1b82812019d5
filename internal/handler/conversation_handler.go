// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"msgchain-go/internal/service"
	"msgchain-go/pkg/log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service       service.ConversationService
	searchService service.SearchService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService, searchService service.SearchService) *ConversationHandler {
	return &ConversationHandler{service: service, searchService: searchService}
}

// ChatRequest 是 POST / 的请求体。
type ChatRequest struct {
	Msg string `json:"msg" binding:"required"`
}

// Chat 处理一次对话：调用补全服务并返回 AI 文本。
func (h *ConversationHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Chat: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
		return
	}

	ai, err := h.service.Handle(c.Request.Context(), req.Msg)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
			return
		}
		log.Errorf("Chat: failed to handle message, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ai": ai})
}

// GetConversations 返回完整的对话日志。
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	history, err := h.service.History(c.Request.Context())
	if err != nil {
		log.Errorf("GetConversations: failed to read history, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve conversation history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": history})
}

// Search 在对话记录中做全文检索。
func (h *ConversationHandler) Search(c *gin.Context) {
	query := c.Query("q")
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))

	docs, err := h.searchService.Search(c.Request.Context(), query, size)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter q is required"})
		case errors.Is(err, service.ErrSearchDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Search is not enabled"})
		default:
			log.Errorf("Search: failed to search conversations, query: %s, error: %v", query, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to search conversation history"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": docs})
}
