package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SlotCapacity 每个时段可预约人数上限
const SlotCapacity = 14

// DateLayout 预约日期格式
const DateLayout = "2006-01-02"

// ReferencePrefix 预约编号前缀
const ReferencePrefix = "SPA-"

// TimeSlot 每日固定时段
type TimeSlot struct {
	Start string `json:"start_time"` // 开始时间 HH:MM
	End   string `json:"end_time"`   // 结束时间 HH:MM
}

// Display 返回供语音播报的时段描述
func (s TimeSlot) Display() string {
	return s.Start + " - " + s.End
}

// Catalog 每日五个时段，每段两小时
var Catalog = []TimeSlot{
	{Start: "10:00", End: "12:00"},
	{Start: "12:00", End: "14:00"},
	{Start: "14:00", End: "16:00"},
	{Start: "16:00", End: "18:00"},
	{Start: "18:00", End: "20:00"},
}

// FindSlot 按开始时间查找时段
func FindSlot(start string) (TimeSlot, bool) {
	for _, s := range Catalog {
		if s.Start == start {
			return s, true
		}
	}
	return TimeSlot{}, false
}

// UnknownSlotError 开始时间或起止时间不在时段表中
func UnknownSlotError(start, end string) *BookingError {
	session := start
	if end != "" {
		session = start + " - " + end
	}
	starts := make([]string, 0, len(Catalog))
	for _, s := range Catalog {
		starts = append(starts, s.Start)
	}
	list := strings.Join(starts[:len(starts)-1], ", ") + " and " + starts[len(starts)-1]
	return NewError(KindValidation, fmt.Sprintf("%s is not one of our sessions. Available sessions start at %s.", session, list))
}

// Status 预约状态
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no-show"
)

// Valid 判断状态是否合法
func (s Status) Valid() bool {
	switch s {
	case StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Booking 一条预约记录
type Booking struct {
	ID            int64     `json:"id"`
	Reference     string    `json:"booking_reference"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	Date          string    `json:"booking_date"`
	StartTime     string    `json:"slot_start_time"`
	EndTime       string    `json:"slot_end_time"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BookingRequest 创建预约的参数
type BookingRequest struct {
	CustomerName  string
	CustomerPhone string
	Date          string
	StartTime     string
	EndTime       string
}

// Availability 时段余量查询结果
type Availability struct {
	Date           string `json:"date"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time,omitempty"`
	Capacity       int    `json:"capacity"`
	Booked         int    `json:"booked"`
	SpotsRemaining int    `json:"spots_remaining"`
	Available      bool   `json:"available"`
}

// NewAvailability 由已预约人数计算余量
func NewAvailability(date, start string, booked int) Availability {
	remaining := SlotCapacity - booked
	if remaining < 0 {
		remaining = 0
	}
	a := Availability{
		Date:           date,
		StartTime:      start,
		Capacity:       SlotCapacity,
		Booked:         booked,
		SpotsRemaining: remaining,
		Available:      remaining > 0,
	}
	if slot, ok := FindSlot(start); ok {
		a.EndTime = slot.End
	}
	return a
}

// FormatReference 由自增ID生成预约编号
func FormatReference(id int64) string {
	return fmt.Sprintf("%s%06d", ReferencePrefix, id)
}

// ParseReference 解析预约编号或纯数字ID
func ParseReference(s string) (int64, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, ReferencePrefix)
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// NormalizePhone 只保留数字和开头的加号
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// NormalizeTime 将 H:MM、HH:MM 或 HH:MM:SS 统一为 HH:MM
func NormalizeTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05", "3:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), nil
		}
	}
	return "", fmt.Errorf("invalid time %q", s)
}

// ParseDate 解析 YYYY-MM-DD 日期
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}
