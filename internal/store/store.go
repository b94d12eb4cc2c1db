// Package store 预约台账的持久化实现
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"spa_call_booking/internal/config"
	"spa_call_booking/internal/models"
)

// SlotStore 带容量校验的预约台账
type SlotStore interface {
	// CheckAvailability 查询时段余量，仅供参考，不保证与后续预约线性一致
	CheckAvailability(ctx context.Context, date, startTime string) (models.Availability, error)
	// Book 在同一事务内校验容量并写入
	Book(ctx context.Context, req models.BookingRequest) (models.Booking, error)
	// Cancel 取消属于该号码、状态为confirmed且未过期的预约
	Cancel(ctx context.Context, phone, reference string) (models.Booking, error)
	// LatestForPhone 优先返回最近的未来预约，否则返回最近一次历史预约
	LatestForPhone(ctx context.Context, phone string) (models.Booking, error)
	// AllForPhone 按时间倒序返回该号码的预约
	AllForPhone(ctx context.Context, phone string, includeCancelled bool) ([]models.Booking, error)
	// ForDate 按开始时间返回某天的全部预约，包括已取消的
	ForDate(ctx context.Context, date string) ([]models.Booking, error)
	// Get 按ID查询
	Get(ctx context.Context, id int64) (models.Booking, error)
	// UpdateStatus 将confirmed预约标记为completed或no-show
	UpdateStatus(ctx context.Context, id int64, status models.Status) (models.Booking, error)
	Close() error
}

// CallStore 通话记录，以Twilio通话标识为主键
type CallStore interface {
	// SaveCall 写入通话结束时的汇总，保留已有的Twilio状态
	SaveCall(ctx context.Context, summary models.CallSummary) error
	// UpdateCallStatus 记录状态回调，通话尚未落库时先建立记录
	UpdateCallStatus(ctx context.Context, callID, status string) error
	GetCall(ctx context.Context, callID string) (models.CallRecord, error)
}

// Store 预约台账与通话记录
type Store interface {
	SlotStore
	CallStore
}

// Options 存储层公共选项
type Options struct {
	Location *time.Location   // 判断"今天"使用的时区
	Now      func() time.Time // 时钟，测试中可替换
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// today 返回时钟所在时区的当前日期
func (o Options) today() string {
	return o.Now().In(o.Location).Format(models.DateLayout)
}

// Open 按驱动类型打开存储
func Open(ctx context.Context, cfg config.DatabaseConfig, opts Options) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.DSN, opts)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}
}

// validateRequest 校验并规范化预约请求
func validateRequest(req models.BookingRequest, today string) (models.BookingRequest, error) {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = models.NormalizePhone(req.CustomerPhone)
	if req.CustomerName == "" {
		return req, models.NewError(models.KindValidation, "A customer name is required to make a booking.")
	}
	if req.CustomerPhone == "" {
		return req, models.NewError(models.KindValidation, "A phone number is required to make a booking.")
	}

	if err := validateDate(req.Date, today); err != nil {
		return req, err
	}
	req.Date = strings.TrimSpace(req.Date)

	start, err := models.NormalizeTime(req.StartTime)
	if err != nil {
		return req, models.NewError(models.KindValidation, fmt.Sprintf("The start time %q is not valid.", req.StartTime))
	}
	end, err := models.NormalizeTime(req.EndTime)
	if err != nil {
		return req, models.NewError(models.KindValidation, fmt.Sprintf("The end time %q is not valid.", req.EndTime))
	}
	if start >= end {
		return req, models.NewError(models.KindValidation, "The start time must be before the end time.")
	}
	slot, ok := models.FindSlot(start)
	if !ok || slot.End != end {
		return req, models.UnknownSlotError(start, end)
	}
	req.StartTime, req.EndTime = start, end
	return req, nil
}

// slotStart 规范化开始时间，并要求其属于时段表
func slotStart(startTime string) (string, error) {
	start, err := models.NormalizeTime(startTime)
	if err != nil {
		return "", models.NewError(models.KindValidation, fmt.Sprintf("The start time %q is not valid.", startTime))
	}
	if _, ok := models.FindSlot(start); !ok {
		return "", models.UnknownSlotError(start, "")
	}
	return start, nil
}

func invalidDate(date string) error {
	return models.NewError(models.KindValidation, fmt.Sprintf("The date %q is not valid, please use YYYY-MM-DD.", date))
}

// validateDate 日期必须合法且不早于今天
func validateDate(date, today string) error {
	if _, err := models.ParseDate(date, time.UTC); err != nil {
		return invalidDate(date)
	}
	if strings.TrimSpace(date) < today {
		return models.NewError(models.KindPastDate, fmt.Sprintf("The date %s is in the past. Please choose today or a later date.", date))
	}
	return nil
}

// checkCapacity 同号码重复预约优先于满员判断
func checkCapacity(req models.BookingRequest, duplicates, booked int) error {
	if duplicates > 0 {
		return models.NewError(models.KindDuplicateBooking,
			fmt.Sprintf("You already have a booking on %s at %s.", req.Date, req.StartTime))
	}
	if booked >= models.SlotCapacity {
		return models.NewError(models.KindSlotFull,
			fmt.Sprintf("The %s - %s session on %s is fully booked.", req.StartTime, req.EndTime, req.Date))
	}
	return nil
}

// checkCancel 按号码不符、已过期、不存在的顺序判断能否取消
func checkCancel(b models.Booking, phone, today string) error {
	if b.CustomerPhone != phone {
		return models.NewError(models.KindPhoneMismatch,
			fmt.Sprintf("Booking %s is not registered to this phone number.", b.Reference))
	}
	if b.Date < today {
		return models.NewError(models.KindPastBooking,
			fmt.Sprintf("Booking %s was for %s and can no longer be cancelled.", b.Reference, b.Date))
	}
	if b.Status != models.StatusConfirmed {
		return notFound(b.Reference)
	}
	return nil
}

// checkStatusChange 只允许confirmed迁移到completed或no-show
func checkStatusChange(b models.Booking, to models.Status) error {
	if to != models.StatusCompleted && to != models.StatusNoShow {
		return models.NewError(models.KindValidation, fmt.Sprintf("Status %q cannot be set directly.", to))
	}
	if b.Status != models.StatusConfirmed {
		return models.NewError(models.KindValidation,
			fmt.Sprintf("Booking %s is %s and cannot be marked %s.", b.Reference, b.Status, to))
	}
	return nil
}

func notFound(reference string) error {
	if reference == "" {
		return models.NewError(models.KindNotFound, "No bookings were found for this phone number.")
	}
	return models.NewError(models.KindNotFound, fmt.Sprintf("No active booking was found with reference %s.", reference))
}

func duplicateError(req models.BookingRequest) error {
	return checkCapacity(req, 1, 0)
}
