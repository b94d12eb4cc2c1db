package relay

import (
	"fmt"

	"spa_call_booking/internal/types"
)

// 连接的两侧
const (
	LegTelephony = "telephony"
	LegModel     = "model"
)

// UpstreamDisconnectError 某一侧连接意外断开，通话以Failed结束
type UpstreamDisconnectError struct {
	Leg string
	Err error
}

func (e *UpstreamDisconnectError) Error() string {
	return fmt.Sprintf("%s连接断开: %v", e.Leg, e.Err)
}

func (e *UpstreamDisconnectError) Unwrap() error { return e.Err }

// ProtocolOrderError 帧到达的阶段不对，只影响该帧
type ProtocolOrderError struct {
	Event string
	Phase types.CallPhase
}

func (e *ProtocolOrderError) Error() string {
	return fmt.Sprintf("%s事件在%s阶段到达", e.Event, e.Phase)
}
