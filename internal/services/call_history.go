package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spa_call_booking/internal/models"
	"spa_call_booking/internal/store"
)

const callSaveTimeout = 5 * time.Second

// CallHistory 把通话汇总和Twilio状态写入call_sessions
type CallHistory struct {
	store store.CallStore
	log   *zap.Logger
}

// NewCallHistory 创建通话记录
func NewCallHistory(s store.CallStore, log *zap.Logger) *CallHistory {
	if log == nil {
		log = zap.NewNop()
	}
	return &CallHistory{store: s, log: log}
}

func (h *CallHistory) Transcript(string, string, string) {}

func (h *CallHistory) ToolCompleted(string, models.ToolCall, models.ToolResult, time.Duration) {}

// CallEnded 通话结束时保存汇总，通话上下文此时已取消
func (h *CallHistory) CallEnded(summary models.CallSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), callSaveTimeout)
	defer cancel()
	if err := h.store.SaveCall(ctx, summary); err != nil {
		h.log.Error("保存通话记录失败",
			zap.String("session_id", summary.SessionID),
			zap.String("call_sid", summary.CallID),
			zap.Error(err))
	}
}

// RecordStatus 保存状态回调
func (h *CallHistory) RecordStatus(ctx context.Context, callID, status string) error {
	return h.store.UpdateCallStatus(ctx, callID, status)
}

// Get 查询一通电话的记录
func (h *CallHistory) Get(ctx context.Context, callID string) (models.CallRecord, error) {
	return h.store.GetCall(ctx, callID)
}
