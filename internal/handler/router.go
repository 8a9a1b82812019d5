package handler

import (
	"msgchain-go/internal/middleware"
	"msgchain-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// Handlers 汇总所有需要注册路由的控制器。
type Handlers struct {
	Conversation *ConversationHandler
	Message      *MessageHandler
	Flow         *FlowHandler
	Admin        *AdminHandler
	Page         *PageHandler
}

// RegisterRoutes 在引擎上注册全部路由。
func RegisterRoutes(r *gin.Engine, h Handlers, jwtManager *token.JWTManager) {
	// 网页与原有的对话接口
	r.GET("/", h.Page.Index)
	r.POST("/send", h.Page.Send)
	r.POST("/", h.Conversation.Chat)
	r.GET("/history", h.Conversation.GetConversations)
	r.GET("/history/search", h.Conversation.Search)

	apiV1 := r.Group("/api/v1")
	{
		messages := apiV1.Group("/messages")
		{
			messages.POST("", h.Message.Send)
			messages.GET("/current", h.Message.Current)
		}

		apiV1.GET("/flows/ws", h.Flow.Stream)

		admin := apiV1.Group("/admin")
		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin.Use(middleware.AuthMiddleware(jwtManager), middleware.AdminAuthMiddleware())
		{
			admin.GET("/flows", h.Admin.ListFlows)
			admin.GET("/flows/:id", h.Admin.GetFlow)
			admin.POST("/log/snapshot", h.Admin.SnapshotLog)
		}
	}
}
