package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"spa_call_booking/internal/models"
	"spa_call_booking/internal/session"
)

// BookingAPI 管理接口依赖的预约操作
type BookingAPI interface {
	DayAvailability(ctx context.Context, date string) ([]models.Availability, error)
	List(ctx context.Context, phone string, includeCancelled bool) ([]models.Booking, error)
	ForDate(ctx context.Context, date string) ([]models.Booking, error)
	UpdateStatus(ctx context.Context, id int64, status models.Status) (models.Booking, error)
}

// CallLookup 查询已结束通话的记录
type CallLookup interface {
	Get(ctx context.Context, callID string) (models.CallRecord, error)
}

// BookingHandler 预约查询与管理
type BookingHandler struct {
	bookings BookingAPI
	registry *session.Registry
	calls    CallLookup
}

// NewBookingHandler 创建预约处理器
func NewBookingHandler(b BookingAPI, registry *session.Registry, calls CallLookup) *BookingHandler {
	return &BookingHandler{bookings: b, registry: registry, calls: calls}
}

// Availability 某天全部时段的余位
func (h *BookingHandler) Availability(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date is required"})
		return
	}
	slots, err := h.bookings.DayAvailability(c.Request.Context(), date)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "slots": slots})
}

// List 按电话号码列出预约
func (h *BookingHandler) List(c *gin.Context) {
	phone := c.Query("phone")
	if phone == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone is required"})
		return
	}
	include, _ := strconv.ParseBool(c.DefaultQuery("include_cancelled", "false"))

	list, err := h.bookings.List(c.Request.Context(), phone, include)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if list == nil {
		list = []models.Booking{}
	}
	c.JSON(http.StatusOK, gin.H{"bookings": list})
}

// ByDate 某天的全部预约，含已取消
func (h *BookingHandler) ByDate(c *gin.Context) {
	date := c.Param("date")
	list, err := h.bookings.ForDate(c.Request.Context(), date)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if list == nil {
		list = []models.Booking{}
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "bookings": list})
}

type statusRequest struct {
	Status models.Status `json:"status" binding:"required"`
}

// UpdateStatus 将预约标记为completed或no-show
func (h *BookingHandler) UpdateStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking id"})
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	b, err := h.bookings.UpdateStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Calls 当前活跃的通话
func (h *BookingHandler) Calls(c *gin.Context) {
	calls := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{"active": len(calls), "calls": calls})
}

// Call 单通电话的汇总与Twilio状态
func (h *BookingHandler) Call(c *gin.Context) {
	if h.calls == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "call history is not enabled"})
		return
	}
	rec, err := h.calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
