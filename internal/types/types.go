// Package types 定义基本类型
package types

// CallPhase 通话会话阶段
type CallPhase int

// 定义通话阶段常量
const (
	CallPhaseInitiated CallPhase = iota
	CallPhaseStreamNegotiating
	CallPhaseStreaming
	CallPhaseFinalizing
	CallPhaseClosed
	CallPhaseFailed
)

var phaseNames = map[CallPhase]string{
	CallPhaseInitiated:         "initiated",
	CallPhaseStreamNegotiating: "stream_negotiating",
	CallPhaseStreaming:         "streaming",
	CallPhaseFinalizing:        "finalizing",
	CallPhaseClosed:            "closed",
	CallPhaseFailed:            "failed",
}

func (p CallPhase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Terminal 是否为终止阶段
func (p CallPhase) Terminal() bool {
	return p == CallPhaseClosed || p == CallPhaseFailed
}

// CanTransition 判断阶段迁移是否合法，Failed可由任意非终止阶段进入
func (p CallPhase) CanTransition(to CallPhase) bool {
	if p.Terminal() {
		return false
	}
	if to == CallPhaseFailed {
		return true
	}
	switch p {
	case CallPhaseInitiated:
		return to == CallPhaseStreamNegotiating
	case CallPhaseStreamNegotiating:
		return to == CallPhaseStreaming || to == CallPhaseFinalizing
	case CallPhaseStreaming:
		return to == CallPhaseFinalizing
	case CallPhaseFinalizing:
		return to == CallPhaseClosed
	}
	return false
}

// AcceptsAudio 是否可以转发音频
func (p CallPhase) AcceptsAudio() bool {
	return p == CallPhaseStreaming
}
