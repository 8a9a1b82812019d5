package handler

import (
	"msgchain-go/internal/model"
	"msgchain-go/pkg/log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 32
	pingPeriod     = 30 * time.Second
	maxControlSize = 512
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// FlowHub 将流程状态迁移广播给所有 WebSocket 订阅者。
type FlowHub struct {
	mu      sync.RWMutex
	clients map[chan model.FlowTransition]struct{}
}

// NewFlowHub 创建一个新的 FlowHub。
func NewFlowHub() *FlowHub {
	return &FlowHub{clients: make(map[chan model.FlowTransition]struct{})}
}

// OnTransition 广播一次迁移。订阅者跟不上时丢弃该事件，不阻塞编排流程。
func (h *FlowHub) OnTransition(t model.FlowTransition) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- t:
		default:
			log.Warnf("FlowHub: subscriber is slow, dropping transition %s -> %s of flow %s", t.From, t.To, t.FlowID)
		}
	}
}

// Clients 返回当前订阅者数量。
func (h *FlowHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *FlowHub) subscribe() chan model.FlowTransition {
	ch := make(chan model.FlowTransition, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *FlowHub) unsubscribe(ch chan model.FlowTransition) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// FlowHandler 负责处理流程事件的 WebSocket 连接。
type FlowHandler struct {
	hub *FlowHub
}

// NewFlowHandler 创建一个新的 FlowHandler。
func NewFlowHandler(hub *FlowHub) *FlowHandler {
	return &FlowHandler{hub: hub}
}

// Stream 升级连接并持续推送状态迁移，直到客户端断开。
func (h *FlowHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	events := h.hub.subscribe()
	defer h.hub.unsubscribe(events)
	log.Infof("流程事件订阅已建立, 来源: %s", c.ClientIP())

	// 读协程只用于感知客户端关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxControlSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			log.Infof("流程事件订阅已断开, 来源: %s", c.ClientIP())
			return
		case t := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(t); err != nil {
				log.Warnf("推送流程事件失败: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
