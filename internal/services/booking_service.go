// Package services 预约业务与工具调用
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"spa_call_booking/internal/models"
	"spa_call_booking/internal/store"
)

const notifyTimeout = 15 * time.Second

// BookingService 预约业务，内部错误统一转换为安全的BookingError
type BookingService struct {
	store    store.SlotStore
	notifier Notifier
	log      *zap.Logger
}

// NewBookingService 创建预约服务
func NewBookingService(s store.SlotStore, n Notifier, log *zap.Logger) *BookingService {
	if log == nil {
		log = zap.NewNop()
	}
	if n == nil {
		n = LogNotifier{Log: log}
	}
	return &BookingService{store: s, notifier: n, log: log}
}

// CheckAvailability 查询单个时段余量
func (s *BookingService) CheckAvailability(ctx context.Context, date, startTime string) (models.Availability, error) {
	a, err := s.store.CheckAvailability(ctx, date, startTime)
	return a, s.guard("check_availability", err)
}

// DayAvailability 查询某天全部时段
func (s *BookingService) DayAvailability(ctx context.Context, date string) ([]models.Availability, error) {
	out := make([]models.Availability, 0, len(models.Catalog))
	for _, slot := range models.Catalog {
		a, err := s.store.CheckAvailability(ctx, date, slot.Start)
		if err != nil {
			return nil, s.guard("day_availability", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Book 创建预约，结束时间缺省时按时段表补全
func (s *BookingService) Book(ctx context.Context, req models.BookingRequest) (models.Booking, error) {
	if strings.TrimSpace(req.EndTime) == "" {
		if start, err := models.NormalizeTime(req.StartTime); err == nil {
			slot, ok := models.FindSlot(start)
			if !ok {
				return models.Booking{}, models.UnknownSlotError(start, "")
			}
			req.EndTime = slot.End
		}
	}

	b, err := s.store.Book(ctx, req)
	if err != nil {
		return models.Booking{}, s.guard("book", err)
	}
	s.log.Info("预约成功",
		zap.String("reference", b.Reference),
		zap.String("date", b.Date),
		zap.String("start", b.StartTime))
	s.notify(ctx, b, s.notifier.BookingConfirmed)
	return b, nil
}

// Cancel 取消预约，编号为空时取消该号码最近的预约
func (s *BookingService) Cancel(ctx context.Context, phone, reference string) (models.Booking, error) {
	if strings.TrimSpace(reference) == "" {
		latest, err := s.store.LatestForPhone(ctx, phone)
		if err != nil {
			return models.Booking{}, s.guard("cancel", err)
		}
		reference = latest.Reference
	}

	b, err := s.store.Cancel(ctx, phone, reference)
	if err != nil {
		return models.Booking{}, s.guard("cancel", err)
	}
	s.log.Info("预约已取消", zap.String("reference", b.Reference))
	s.notify(ctx, b, s.notifier.BookingCancelled)
	return b, nil
}

// Latest 查询号码最近的预约
func (s *BookingService) Latest(ctx context.Context, phone string) (models.Booking, error) {
	b, err := s.store.LatestForPhone(ctx, phone)
	return b, s.guard("latest", err)
}

// List 查询号码的全部预约
func (s *BookingService) List(ctx context.Context, phone string, includeCancelled bool) ([]models.Booking, error) {
	out, err := s.store.AllForPhone(ctx, phone, includeCancelled)
	return out, s.guard("list", err)
}

// ForDate 某天的全部预约，供前台核对
func (s *BookingService) ForDate(ctx context.Context, date string) ([]models.Booking, error) {
	out, err := s.store.ForDate(ctx, date)
	return out, s.guard("for_date", err)
}

// UpdateStatus 标记到店或爽约
func (s *BookingService) UpdateStatus(ctx context.Context, id int64, status models.Status) (models.Booking, error) {
	b, err := s.store.UpdateStatus(ctx, id, status)
	return b, s.guard("update_status", err)
}

// guard 业务错误原样返回，其余错误记录后转换为通用错误
func (s *BookingService) guard(op string, err error) error {
	if err == nil {
		return nil
	}
	if models.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("预约操作超时", zap.String("op", op), zap.Error(err))
	} else {
		s.log.Error("预约操作内部错误", zap.String("op", op), zap.Error(err))
	}
	return models.InternalError(err)
}

// notify 异步发送通知，不阻塞也不回滚预约
func (s *BookingService) notify(ctx context.Context, b models.Booking, send func(context.Context, models.Booking) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("发送通知时发生panic", zap.Any("panic", r))
			}
		}()
		if err := send(ctx, b); err != nil {
			s.log.Warn("发送通知失败", zap.String("reference", b.Reference), zap.Error(err))
		}
	}()
}
