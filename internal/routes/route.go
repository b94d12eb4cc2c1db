package routes

import (
	"github.com/gin-gonic/gin"

	"spa_call_booking/internal/handlers"
)

// Handlers 路由依赖的全部处理器
type Handlers struct {
	MediaStream *handlers.MediaStreamHandler
	Webhook     *handlers.WebhookHandler
	Function    *handlers.FunctionHandler
	Booking     *handlers.BookingHandler
}

// RateLimit /api 路由的限流参数
type RateLimit struct {
	PerMinute int
	Burst     int
}

// RegisterRoutes 注册所有路由
func RegisterRoutes(r *gin.Engine, h Handlers, limit RateLimit) {
	r.GET("/", handlers.Root)
	r.GET("/health", handlers.Health)

	// 注册电话相关路由
	RegisterTelephonyRoutes(r, h.Webhook, h.MediaStream)

	// 注册管理接口
	RegisterAPIRoutes(r, h.Function, h.Booking, limit)
}
