// Package session 管理单通电话的生命周期状态
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"spa_call_booking/internal/models"
	"spa_call_booking/internal/types"
)

// ErrInvalidTransition 非法的阶段迁移
var ErrInvalidTransition = errors.New("非法的通话阶段迁移")

// CallSession 一通电话的状态
//
// streamSID 只写一次，由电话侧读循环写入，模型侧读循环通过 StreamSID 读取。
type CallSession struct {
	id        string
	startedAt time.Time

	mu          sync.Mutex
	callID      string
	callerPhone string
	phase       types.CallPhase
	bookingID   int64
	reason      string
	endedAt     time.Time

	streamSID   atomic.Pointer[string]
	streamReady chan struct{}
	done        chan struct{}
}

// New 创建处于Initiated阶段的会话
func New(id string, now time.Time) *CallSession {
	return &CallSession{
		id:          id,
		startedAt:   now,
		phase:       types.CallPhaseInitiated,
		streamReady: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ID 会话ID，在注册表中创建时分配
func (s *CallSession) ID() string { return s.id }

// CallID 电话侧的通话标识
func (s *CallSession) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// CallerPhone 来电号码
func (s *CallSession) CallerPhone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callerPhone
}

// Phase 当前阶段
func (s *CallSession) Phase() types.CallPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// bind 记录通话标识与来电号码，由注册表调用
func (s *CallSession) bind(callID, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = callID
	s.callerPhone = models.NormalizePhone(phone)
}

// Transition 迁移到下一阶段
func (s *CallSession) Transition(to types.CallPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *CallSession) transitionLocked(to types.CallPhase) error {
	if !s.phase.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, to)
	}
	s.phase = to
	if to.Terminal() {
		s.endedAt = time.Now()
		close(s.done)
	}
	return nil
}

// Close 正常结束会话，必要时先经过Finalizing。只有第一次调用返回true
func (s *CallSession) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return false
	}
	if s.phase != types.CallPhaseFinalizing {
		if s.phase == types.CallPhaseInitiated {
			s.phase = types.CallPhaseStreamNegotiating
		}
		s.phase = types.CallPhaseFinalizing
	}
	return s.transitionLocked(types.CallPhaseClosed) == nil
}

// Fail 以失败结束会话。只有第一次进入终止阶段时返回true
func (s *CallSession) Fail(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return false
	}
	s.reason = reason
	return s.transitionLocked(types.CallPhaseFailed) == nil
}

// SetStreamSID 锁定stream id，只有第一次调用生效
func (s *CallSession) SetStreamSID(sid string) bool {
	if sid == "" {
		return false
	}
	if !s.streamSID.CompareAndSwap(nil, &sid) {
		return false
	}
	close(s.streamReady)
	return true
}

// StreamSID 读取stream id，尚未协商时ok为false
func (s *CallSession) StreamSID() (string, bool) {
	p := s.streamSID.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// StreamReady stream id 确定后关闭
func (s *CallSession) StreamReady() <-chan struct{} { return s.streamReady }

// Done 进入终止阶段后关闭
func (s *CallSession) Done() <-chan struct{} { return s.done }

// LinkBooking 记录通话中创建的预约
func (s *CallSession) LinkBooking(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookingID = id
}

// BookingID 关联的预约ID，没有时为0
func (s *CallSession) BookingID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookingID
}

// Summary 会话快照
func (s *CallSession) Summary() models.CallSummary {
	sid, _ := s.StreamSID()
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return models.CallSummary{
		SessionID:   s.id,
		CallID:      s.callID,
		CallerPhone: s.callerPhone,
		StreamSID:   sid,
		Phase:       s.phase.String(),
		BookingID:   s.bookingID,
		StartedAt:   s.startedAt,
		Duration:    end.Sub(s.startedAt),
		Reason:      s.reason,
	}
}
