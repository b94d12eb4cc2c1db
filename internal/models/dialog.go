package models

import "time"

// Message 对话中的一轮发言
type Message struct {
	Role    string    `json:"role"`    // 消息角色：user/assistant
	Content string    `json:"content"` // 消息内容
	At      time.Time `json:"at"`
}

// ToolRecord 通话中的一次工具调用记录
type ToolRecord struct {
	Name      string     `json:"name"`
	Arguments string     `json:"arguments"`
	Result    ToolResult `json:"result"`
	Duration  string     `json:"duration"`
}

// CallSummary 通话结束时的汇总
type CallSummary struct {
	SessionID   string        `json:"session_id"`
	CallID      string        `json:"call_id"`
	CallerPhone string        `json:"caller_phone"`
	StreamSID   string        `json:"stream_sid,omitempty"`
	Phase       string        `json:"phase"`
	BookingID   int64         `json:"booking_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Reason      string        `json:"reason,omitempty"`
}

// CallRecord 持久化的通话记录，TwilioStatus来自状态回调
type CallRecord struct {
	CallSummary
	TwilioStatus string    `json:"twilio_status,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
