package models

import "encoding/json"

// 模型可调用的工具名称
const (
	ToolCheckAvailability = "check_slot_availability"
	ToolBookAppointment   = "book_appointment"
	ToolLatestAppointment = "get_latest_appointment"
	ToolCancelAppointment = "cancel_appointment"
	ToolListAppointments  = "list_appointments"
)

// ToolCall 模型发起的一次函数调用
type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult 工具执行结果，序列化后作为function_call_output回传给模型
type ToolResult struct {
	Success          bool      `json:"success"`
	Message          string    `json:"message,omitempty"`
	Reason           ErrorKind `json:"reason,omitempty"`
	BookingReference string    `json:"booking_reference,omitempty"`
	BookingID        int64     `json:"booking_id,omitempty"`
	Available        *bool     `json:"available,omitempty"`
	SpotsRemaining   *int      `json:"spots_remaining,omitempty"`
	Booking          *Booking  `json:"booking,omitempty"`
	Bookings         []Booking `json:"bookings,omitempty"`
}

// FailureResult 由错误构造失败结果
func FailureResult(err error) ToolResult {
	kind := KindOf(err)
	if kind == "" {
		kind = KindInternal
		err = InternalError(err)
	}
	return ToolResult{
		Success: false,
		Reason:  kind,
		Message: err.Error(),
	}
}

// JSON 序列化结果，失败时退化为通用错误
func (r ToolResult) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"reason":"internal"}`
	}
	return string(data)
}
