// Package handlers HTTP与WebSocket入口
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"spa_call_booking/internal/models"
)

const serviceName = "spa_call_booking"

// Root 根路由
func Root(c *gin.Context) {
	c.String(http.StatusOK, "Spa Call Booking Server Running")
}

// Health 健康检查
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"time":    time.Now().Format(time.RFC3339),
	})
}

// statusFor 预约错误对应的HTTP状态码
func statusFor(err error) int {
	var be *models.BookingError
	if !errors.As(err, &be) {
		return http.StatusInternalServerError
	}
	switch be.Kind {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindSlotFull, models.KindDuplicateBooking:
		return http.StatusConflict
	case models.KindPhoneMismatch:
		return http.StatusForbidden
	case models.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func abortWithError(c *gin.Context, err error) {
	c.Error(err)
	res := models.FailureResult(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": res.Message, "reason": res.Reason})
}
