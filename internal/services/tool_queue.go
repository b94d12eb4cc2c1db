package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"spa_call_booking/internal/models"
)

// ErrQueueClosed 通话已结束，不再接受工具调用
var ErrQueueClosed = errors.New("工具队列已关闭")

// ErrQueueFull 排队的工具调用过多
var ErrQueueFull = errors.New("工具队列已满")

// Dispatcher 执行单次工具调用
type Dispatcher interface {
	Dispatch(ctx context.Context, callerPhone string, call models.ToolCall) models.ToolResult
}

type toolJob struct {
	phone string
	call  models.ToolCall
	done  func(models.ToolResult, time.Duration)
}

// ToolQueue 单通电话的工具调用队列，同一时刻只执行一个调用
//
// 调用运行在与通话无关的ctx上，挂断不会打断正在进行的写入。
type ToolQueue struct {
	dispatcher Dispatcher
	timeout    time.Duration

	mu     sync.Mutex
	closed bool
	jobs   chan toolJob
	idle   chan struct{}
}

// NewToolQueue 创建队列并启动执行协程
func NewToolQueue(d Dispatcher, timeout time.Duration, depth int) *ToolQueue {
	if depth <= 0 {
		depth = 8
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	q := &ToolQueue{
		dispatcher: d,
		timeout:    timeout,
		jobs:       make(chan toolJob, depth),
		idle:       make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *ToolQueue) run() {
	defer close(q.idle)
	for job := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		started := time.Now()
		res := q.dispatcher.Dispatch(ctx, job.phone, job.call)
		cancel()
		if job.done != nil {
			job.done(res, time.Since(started))
		}
	}
}

// Submit 排入一次工具调用，不会阻塞调用方
func (q *ToolQueue) Submit(callerPhone string, call models.ToolCall, done func(models.ToolResult, time.Duration)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- toolJob{phone: callerPhone, call: call, done: done}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 停止接收新调用，并在timeout内等待已排队的调用执行完毕
func (q *ToolQueue) Close(timeout time.Duration) bool {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.idle:
		return true
	case <-time.After(timeout):
		return false
	}
}
