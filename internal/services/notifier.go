package services

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"spa_call_booking/internal/clients/sms"
	"spa_call_booking/internal/models"
)

// Notifier 预约结果通知，失败不影响预约本身
type Notifier interface {
	BookingConfirmed(ctx context.Context, b models.Booking) error
	BookingCancelled(ctx context.Context, b models.Booking) error
}

// ConfirmationText 预约成功短信
func ConfirmationText(spaName string, b models.Booking) string {
	return fmt.Sprintf("Conferma prenotazione %s: %s alle %s. Codice: %s",
		spaName, b.Date, b.StartTime+"-"+b.EndTime, b.Reference)
}

// CancellationText 取消预约短信
func CancellationText(spaName string, b models.Booking) string {
	return fmt.Sprintf("%s: la prenotazione %s del %s alle %s è stata cancellata.",
		spaName, b.Reference, b.Date, b.StartTime)
}

// LogNotifier 只记录日志，未启用短信时使用
type LogNotifier struct {
	SpaName string
	Log     *zap.Logger
}

func (n LogNotifier) BookingConfirmed(_ context.Context, b models.Booking) error {
	n.Log.Info("预约确认通知", zap.String("to", b.CustomerPhone), zap.String("text", ConfirmationText(n.SpaName, b)))
	return nil
}

func (n LogNotifier) BookingCancelled(_ context.Context, b models.Booking) error {
	n.Log.Info("预约取消通知", zap.String("to", b.CustomerPhone), zap.String("text", CancellationText(n.SpaName, b)))
	return nil
}

// SMSNotifier 直接调用Twilio发送短信
type SMSNotifier struct {
	SpaName string
	Sender  sms.Sender
}

func (n SMSNotifier) BookingConfirmed(ctx context.Context, b models.Booking) error {
	_, err := n.Sender.Send(ctx, b.CustomerPhone, ConfirmationText(n.SpaName, b))
	return err
}

func (n SMSNotifier) BookingCancelled(ctx context.Context, b models.Booking) error {
	_, err := n.Sender.Send(ctx, b.CustomerPhone, CancellationText(n.SpaName, b))
	return err
}

// TaskEnqueuer asynq.Client 的子集
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqNotifier 将短信投递到asynq队列，由worker异步发送
type AsynqNotifier struct {
	SpaName string
	Client  TaskEnqueuer
}

func (n AsynqNotifier) BookingConfirmed(ctx context.Context, b models.Booking) error {
	return n.enqueue(ctx, b, ConfirmationText(n.SpaName, b))
}

func (n AsynqNotifier) BookingCancelled(ctx context.Context, b models.Booking) error {
	return n.enqueue(ctx, b, CancellationText(n.SpaName, b))
}

func (n AsynqNotifier) enqueue(ctx context.Context, b models.Booking, body string) error {
	task, err := sms.NewBookingTask(sms.Payload{To: b.CustomerPhone, Body: body, Reference: b.Reference})
	if err != nil {
		return err
	}
	if _, err := n.Client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("投递短信任务失败: %w", err)
	}
	return nil
}
