package sms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeBookingSMS 预约短信任务类型
const TypeBookingSMS = "sms:booking"

// Payload 短信任务内容
type Payload struct {
	To        string `json:"to"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
}

// NewBookingTask 创建短信任务
func NewBookingTask(p Payload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("序列化短信任务失败: %w", err)
	}
	return asynq.NewTask(TypeBookingSMS, b, asynq.MaxRetry(3)), nil
}

// Sender 发送短信的最小接口
type Sender interface {
	Send(ctx context.Context, to, body string) (*MessageResponse, error)
}

// HandleBookingTask 返回处理短信任务的asynq处理函数
func HandleBookingTask(sender Sender, log *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p Payload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			log.Error("短信任务内容无效", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		resp, err := sender.Send(ctx, p.To, p.Body)
		if err != nil {
			log.Warn("发送短信失败", zap.String("reference", p.Reference), zap.Error(err))
			return err
		}
		log.Info("短信已发送", zap.String("reference", p.Reference), zap.String("sid", resp.SID))
		return nil
	}
}

// NewServeMux 注册短信任务处理器
func NewServeMux(sender Sender, log *zap.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeBookingSMS, HandleBookingTask(sender, log))
	return mux
}
