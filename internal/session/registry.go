package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"spa_call_booking/internal/models"
)

// ErrDuplicateCall 同一通话标识已有活跃会话
var ErrDuplicateCall = errors.New("通话已存在活跃会话")

// ErrUnknownSession 会话不在注册表中
var ErrUnknownSession = errors.New("会话不存在")

// Registry 进程内的活跃通话表
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession // 会话ID -> 会话
	byCall   map[string]*CallSession // 通话标识 -> 会话
	now      func() time.Time
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*CallSession),
		byCall:   make(map[string]*CallSession),
		now:      time.Now,
	}
}

// Create 为新接入的电话创建会话
func (r *Registry) Create() *CallSession {
	s := New(uuid.NewString(), r.now())
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s
}

// Bind 在start事件到达后登记通话标识与来电号码
func (r *Registry) Bind(s *CallSession, callID, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.id]; !ok {
		return ErrUnknownSession
	}
	if callID != "" {
		if other, ok := r.byCall[callID]; ok && other != s {
			return ErrDuplicateCall
		}
		if prev := s.CallID(); prev != "" && prev != callID {
			delete(r.byCall, prev)
		}
		r.byCall[callID] = s
	}
	s.bind(callID, phone)
	return nil
}

// Get 按通话标识查找会话
func (r *Registry) Get(callID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCall[callID]
	return s, ok
}

// Lookup 按会话ID查找
func (r *Registry) Lookup(id string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove 移除会话，可重复调用。只有实际移除时返回true
func (r *Registry) Remove(s *CallSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; !ok {
		return false
	}
	delete(r.sessions, s.id)
	if callID := s.CallID(); callID != "" && r.byCall[callID] == s {
		delete(r.byCall, callID)
	}
	return true
}

// Len 活跃会话数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot 按开始时间排序的会话快照
func (r *Registry) Snapshot() []models.CallSummary {
	r.mu.RLock()
	list := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]models.CallSummary, 0, len(list))
	for _, s := range list {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
