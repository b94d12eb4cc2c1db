package routes

import (
	"github.com/gin-gonic/gin"

	"spa_call_booking/internal/handlers"
)

// RegisterTelephonyRoutes 注册Twilio回调与媒体流路由
func RegisterTelephonyRoutes(r *gin.Engine, webhook *handlers.WebhookHandler, media *handlers.MediaStreamHandler) {
	wh := r.Group("/webhook")
	wh.POST("/incoming-call", webhook.IncomingCall)
	wh.POST("/call-status", webhook.CallStatus)

	r.GET("/media-stream", media.HandleWebSocket)
}
