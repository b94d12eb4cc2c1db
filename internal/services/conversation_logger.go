package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"spa_call_booking/internal/models"
)

type conversation struct {
	turns []models.Message
	tools []models.ToolRecord
}

// ConversationLogger 记录每通电话的对话与工具调用，通话结束时输出汇总
type ConversationLogger struct {
	mu    sync.Mutex
	calls map[string]*conversation
	log   *zap.Logger
	now   func() time.Time
}

// NewConversationLogger 创建对话记录器
func NewConversationLogger(log *zap.Logger) *ConversationLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationLogger{
		calls: make(map[string]*conversation),
		log:   log,
		now:   time.Now,
	}
}

func (l *ConversationLogger) get(sessionID string) *conversation {
	c, ok := l.calls[sessionID]
	if !ok {
		c = &conversation{}
		l.calls[sessionID] = c
	}
	return c
}

// Transcript 记录一轮发言
func (l *ConversationLogger) Transcript(sessionID, role, text string) {
	if text == "" {
		return
	}
	l.mu.Lock()
	c := l.get(sessionID)
	c.turns = append(c.turns, models.Message{Role: role, Content: text, At: l.now()})
	l.mu.Unlock()

	l.log.Debug("对话", zap.String("session_id", sessionID), zap.String("role", role), zap.String("text", text))
}

// ToolCompleted 记录一次工具调用
func (l *ConversationLogger) ToolCompleted(sessionID string, call models.ToolCall, result models.ToolResult, elapsed time.Duration) {
	l.mu.Lock()
	c := l.get(sessionID)
	c.tools = append(c.tools, models.ToolRecord{
		Name:      call.Name,
		Arguments: string(call.Arguments),
		Result:    result,
		Duration:  elapsed.String(),
	})
	l.mu.Unlock()

	l.log.Info("工具调用完成",
		zap.String("session_id", sessionID),
		zap.String("tool", call.Name),
		zap.Bool("success", result.Success),
		zap.String("reason", string(result.Reason)),
		zap.Duration("elapsed", elapsed))
}

// CallEnded 输出通话汇总并释放记录
func (l *ConversationLogger) CallEnded(summary models.CallSummary) {
	l.mu.Lock()
	c := l.calls[summary.SessionID]
	delete(l.calls, summary.SessionID)
	l.mu.Unlock()

	if c == nil {
		c = &conversation{}
	}
	l.log.Info("通话结束",
		zap.String("session_id", summary.SessionID),
		zap.String("call_id", summary.CallID),
		zap.String("caller", summary.CallerPhone),
		zap.String("final_status", summary.Phase),
		zap.Int64("booking_id", summary.BookingID),
		zap.Duration("duration", summary.Duration),
		zap.Int("turns", len(c.turns)),
		zap.Int("tool_calls", len(c.tools)),
		zap.String("reason", summary.Reason))
}

// History 返回尚未结束的通话记录副本
func (l *ConversationLogger) History(sessionID string) ([]models.Message, []models.ToolRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.calls[sessionID]
	if !ok {
		return nil, nil
	}
	turns := make([]models.Message, len(c.turns))
	copy(turns, c.turns)
	tools := make([]models.ToolRecord, len(c.tools))
	copy(tools, c.tools)
	return turns, tools
}
