package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers 汇总所有需要注册路由的处理器。
type Handlers struct {
	Auth     *AuthHandler
	Threads  *ThreadHandler
	Search   *SearchHandler
	Stream   *StreamHandler
	Socket   *SocketHandler
	Webhooks *WebhookHandler
}

// Health 处理 GET /health。
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RegisterRoutes 注册全部路由。auth 为认证中间件；
// SSE、WebSocket 与 webhook 路由自行处理鉴权。
func RegisterRoutes(r *gin.Engine, h Handlers, auth gin.HandlerFunc) {
	r.GET("/health", Health)
	r.POST("/auth/login", h.Auth.Login)

	// WhatsApp webhooks
	webhooks := r.Group("/webhooks")
	{
		webhooks.GET("/meta", h.Webhooks.MetaVerify)
		webhooks.POST("/meta", h.Webhooks.Meta)
		webhooks.POST("/twilio", h.Webhooks.Twilio)
	}

	// 实时推送，token 可通过查询参数传递
	r.GET("/threads/:id/stream", h.Stream.Stream)
	r.GET("/ws/threads/:key", h.Socket.Handle)

	authed := r.Group("/", auth)
	{
		authed.POST("/auth/logout", h.Auth.Logout)
		authed.GET("/me", h.Auth.Me)
		authed.GET("/stats", h.Threads.Stats)

		authed.GET("/threads", h.Threads.List)
		authed.POST("/threads", h.Threads.Create)
		authed.GET("/threads/search", h.Search.Search)
		authed.PATCH("/threads/:id", h.Threads.Update)
		authed.DELETE("/threads/:id", h.Threads.Delete)
		authed.PUT("/threads/:id/takeover", h.Threads.SetTakeover)
		authed.GET("/threads/:id/messages", h.Threads.Messages)
		authed.POST("/threads/:id/messages", h.Threads.PostMessage)
		authed.POST("/threads/:id/human-reply", h.Threads.HumanReply)
	}
}
