package handler

import (
	"errors"
	"msgchain-go/internal/model"
	"msgchain-go/internal/service"
	"msgchain-go/pkg/chain"
	"msgchain-go/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MessageHandler 处理链上消息的发送与读取。
type MessageHandler struct {
	orchestrator service.MessageOrchestrator
}

// NewMessageHandler 创建一个新的 MessageHandler。
func NewMessageHandler(orchestrator service.MessageOrchestrator) *MessageHandler {
	return &MessageHandler{orchestrator: orchestrator}
}

// SendMessageRequest 是发送消息的请求体。
type SendMessageRequest struct {
	Message         string `json:"message" binding:"required"`
	ContractAddress string `json:"contractAddress"`
}

// Send 执行完整的发送流程并返回结果。
func (h *MessageHandler) Send(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Send: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "message is required", "data": nil})
		return
	}

	out, err := h.orchestrator.Send(c.Request.Context(), service.SendRequest{
		Message:         req.Message,
		ContractAddress: req.ContractAddress,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error(), "data": nil})
		case errors.Is(err, service.ErrFlowInFlight):
			c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": "A message is already being sent. Please wait.", "data": nil})
		default:
			log.Errorf("Send: failed to start flow, error: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Internal server error", "data": nil})
		}
		return
	}

	if out.State == model.StateFailed {
		c.JSON(http.StatusBadGateway, gin.H{"code": http.StatusBadGateway, "message": out.Error, "data": out})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": out})
}

// Current 读取合约当前保存的消息。
func (h *MessageHandler) Current(c *gin.Context) {
	address := c.Query("address")
	msg, err := h.orchestrator.ReadCurrent(c.Request.Context(), address)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": chain.UserMessage(chain.ErrInvalidAddress, 0), "data": nil})
			return
		}
		log.Warnf("Current: failed to read contract, address: %s, error: %v", address, err)
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    http.StatusBadGateway,
			"message": chain.UserMessage(err, h.orchestrator.ExpectedChainID()),
			"data":    gin.H{"reason": service.ReasonForError(err)},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"message": msg}})
}
