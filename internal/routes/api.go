package routes

import (
	"github.com/gin-gonic/gin"

	"spa_call_booking/internal/handlers"
	"spa_call_booking/internal/middleware"
)

// RegisterAPIRoutes 注册/api路由
func RegisterAPIRoutes(r *gin.Engine, fn *handlers.FunctionHandler, booking *handlers.BookingHandler, limit RateLimit) {
	api := r.Group("/api", middleware.RateLimit(limit.PerMinute, limit.Burst))
	api.POST("/function-handler", fn.Handle)
	api.GET("/availability", booking.Availability)
	api.GET("/bookings", booking.List)
	api.GET("/bookings/date/:date", booking.ByDate)
	api.PATCH("/bookings/:id/status", booking.UpdateStatus)
	api.GET("/calls", booking.Calls)
	api.GET("/calls/:call_id", booking.Call)
}
