// Package relay 在电话媒体流与实时语音模型之间双向转发音频
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spa_call_booking/internal/clients/realtime"
	"spa_call_booking/internal/clients/ws"
	"spa_call_booking/internal/models"
	"spa_call_booking/internal/services"
	"spa_call_booking/internal/session"
	"spa_call_booking/internal/types"
)

// Observer 接收转写与工具调用记录
type Observer interface {
	Transcript(sessionID, role, text string)
	ToolCompleted(sessionID string, call models.ToolCall, result models.ToolResult, elapsed time.Duration)
	CallEnded(summary models.CallSummary)
}

type nopObserver struct{}

func (nopObserver) Transcript(string, string, string) {}
func (nopObserver) ToolCompleted(string, models.ToolCall, models.ToolResult, time.Duration) {
}
func (nopObserver) CallEnded(models.CallSummary) {}

// Observers 依次通知多个观察者
type Observers []Observer

func (o Observers) Transcript(sessionID, role, text string) {
	for _, ob := range o {
		ob.Transcript(sessionID, role, text)
	}
}

func (o Observers) ToolCompleted(sessionID string, call models.ToolCall, result models.ToolResult, elapsed time.Duration) {
	for _, ob := range o {
		ob.ToolCompleted(sessionID, call, result, elapsed)
	}
}

func (o Observers) CallEnded(summary models.CallSummary) {
	for _, ob := range o {
		ob.CallEnded(summary)
	}
}

// ModelDialer 打开一条已完成会话配置的模型连接
type ModelDialer interface {
	Dial(ctx context.Context) (ws.Conn, error)
}

// Config 中继参数
type Config struct {
	PreStartBuffer int           // start之前最多缓存的音频帧
	OutboundQueue  int           // 发往模型的事件队列长度
	ShutdownGrace  time.Duration // 一侧结束后等待另一侧退出的时间
	DrainTimeout   time.Duration // 挂断后等待工具调用完成的时间
	ToolTimeout    time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	Location       *time.Location
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PreStartBuffer <= 0 {
		c.PreStartBuffer = 50
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 15 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Relay 为每通电话建立一对转发循环
type Relay struct {
	config     Config
	registry   *session.Registry
	dialer     ModelDialer
	dispatcher services.Dispatcher
	observer   Observer
	log        *zap.Logger
}

// New 创建中继
func New(config Config, registry *session.Registry, dialer ModelDialer, dispatcher services.Dispatcher, observer Observer, log *zap.Logger) *Relay {
	if observer == nil {
		observer = nopObserver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		config:     config.withDefaults(),
		registry:   registry,
		dialer:     dialer,
		dispatcher: dispatcher,
		observer:   observer,
		log:        log,
	}
}

// call 单通电话的运行状态
type call struct {
	relay *Relay
	sess  *session.CallSession
	phone ws.Conn
	queue *services.ToolQueue
	log   *zap.Logger

	cancel context.CancelFunc
	out    chan models.RealtimeEvent

	// 仅电话侧读循环访问
	pending []string

	errMu sync.Mutex
	err   error
	once  sync.Once
}

// Run 处理一条电话媒体流连接，直到通话结束
//
// 停止帧正常结束时返回nil，任一侧意外断开时返回 *UpstreamDisconnectError。
func (r *Relay) Run(ctx context.Context, phone ws.Conn) error {
	sess := r.registry.Create()
	c := &call{
		relay: r,
		sess:  sess,
		phone: phone,
		queue: services.NewToolQueue(r.dispatcher, r.config.ToolTimeout, 0),
		log:   r.log.With(zap.String("session_id", sess.ID())),
		out:   make(chan models.RealtimeEvent, r.config.OutboundQueue),
	}
	defer c.teardown(nil)

	// 接入即进入协商阶段，模型连接与电话握手并行建立
	if err := sess.Transition(types.CallPhaseStreamNegotiating); err != nil {
		return err
	}
	c.log.Info("电话媒体流已接入")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	ws.ExtendOnPong(phone, r.config.PongWait)
	g.Go(func() error { return c.exit(c.readTelephony(gctx)) })
	g.Go(func() error {
		if err := c.connectModel(gctx, g); err != nil {
			return c.exit(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		phone.Close()
		return nil
	})
	if r.config.PingPeriod > 0 {
		g.Go(func() error {
			ws.KeepAlive(gctx, phone, r.config.PingPeriod)
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	var err error
	<-gctx.Done()
	select {
	case err = <-waitErr:
	case <-time.After(r.config.ShutdownGrace):
		c.log.Warn("转发循环未在宽限期内退出", zap.Duration("grace", r.config.ShutdownGrace))
		err = c.firstErr()
	}

	c.teardown(err)
	return err
}

// exit 循环退出时调用，记录第一个错误并通知其余循环结束
func (c *call) exit(err error) error {
	if err != nil {
		c.errMu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.errMu.Unlock()
	}
	c.cancel()
	return err
}

func (c *call) firstErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// teardown 释放通话资源，重复调用无效果
func (c *call) teardown(err error) {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if !c.queue.Close(c.relay.config.DrainTimeout) {
			c.log.Warn("工具调用未在限定时间内完成", zap.Duration("timeout", c.relay.config.DrainTimeout))
		}

		var ended bool
		if err != nil {
			ended = c.sess.Fail(err.Error())
		} else {
			ended = c.sess.Close()
		}
		c.relay.registry.Remove(c.sess)

		if ended {
			summary := c.sess.Summary()
			c.relay.observer.CallEnded(summary)
			if err != nil {
				c.log.Warn("通话异常结束", zap.Error(err))
			} else {
				c.log.Info("通话结束", zap.String("call_id", summary.CallID), zap.Duration("duration", summary.Duration))
			}
		}
	})
}

// send 排入发往模型的事件，通话结束后丢弃
func (c *call) send(ctx context.Context, ev models.RealtimeEvent) bool {
	select {
	case c.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// readTelephony 电话侧读循环
func (c *call) readTelephony(ctx context.Context) error {
	for {
		_, data, err := c.phone.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &UpstreamDisconnectError{Leg: LegTelephony, Err: err}
		}

		var ev models.TwilioEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("无法解析电话侧消息", zap.Error(err))
			continue
		}

		switch ev.Event {
		case models.TwilioEventConnected:
			c.log.Debug("电话侧握手", zap.String("protocol", ev.Protocol))
		case models.TwilioEventStart:
			if err := c.onStart(ctx, ev); err != nil {
				return err
			}
		case models.TwilioEventMedia:
			c.onMedia(ctx, ev)
		case models.TwilioEventMark:
			c.log.Debug("播放标记", zap.Any("mark", ev.Mark))
		case models.TwilioEventStop:
			if err := c.sess.Transition(types.CallPhaseFinalizing); err != nil {
				c.log.Warn("停止帧阶段不符", zap.Error(err))
			}
			c.log.Info("收到停止帧")
			return nil
		default:
			c.log.Debug("忽略电话侧事件", zap.String("event", ev.Event))
		}
	}
}

func (c *call) onStart(ctx context.Context, ev models.TwilioEvent) error {
	if ev.Start == nil {
		c.log.Warn("start事件缺少内容")
		return nil
	}
	sid := ev.Start.StreamSid
	if sid == "" {
		sid = ev.StreamSid
	}
	if c.sess.Phase() != types.CallPhaseStreamNegotiating {
		c.log.Warn("忽略重复的start事件", zap.Error(&ProtocolOrderError{Event: ev.Event, Phase: c.sess.Phase()}))
		return nil
	}

	callID := ev.Start.CustomParameters[models.ParamCallSID]
	if callID == "" {
		callID = ev.Start.CallSid
	}
	callerPhone := models.NormalizePhone(ev.Start.CustomParameters[models.ParamCallerPhone])
	if err := c.relay.registry.Bind(c.sess, callID, callerPhone); err != nil {
		return fmt.Errorf("登记通话失败: %w", err)
	}
	if !c.sess.SetStreamSID(sid) {
		c.log.Warn("stream id 无效", zap.String("stream_sid", sid))
		return nil
	}
	if err := c.sess.Transition(types.CallPhaseStreaming); err != nil {
		return err
	}
	c.log.Info("媒体流开始", zap.String("call_id", callID), zap.String("stream_sid", sid), zap.String("caller", callerPhone), zap.Int("buffered", len(c.pending)))

	now := c.relay.config.Now().In(c.relay.config.Location)
	if !c.send(ctx, realtime.CallerContext(callerPhone, now)) {
		return nil
	}
	for _, payload := range c.pending {
		if !c.send(ctx, models.NewAudioAppend(payload)) {
			return nil
		}
	}
	c.pending = nil
	c.send(ctx, models.NewResponseCreate())
	return nil
}

func (c *call) onMedia(ctx context.Context, ev models.TwilioEvent) {
	if ev.Media == nil || ev.Media.Payload == "" {
		return
	}
	switch phase := c.sess.Phase(); phase {
	case types.CallPhaseStreaming:
		c.send(ctx, models.NewAudioAppend(ev.Media.Payload))
	case types.CallPhaseStreamNegotiating:
		if len(c.pending) >= c.relay.config.PreStartBuffer {
			c.log.Warn("start之前的音频超出缓存，丢弃", zap.Error(&ProtocolOrderError{Event: ev.Event, Phase: phase}))
			return
		}
		c.pending = append(c.pending, ev.Media.Payload)
	default:
		c.log.Warn("丢弃音频帧", zap.Error(&ProtocolOrderError{Event: ev.Event, Phase: phase}))
	}
}

// connectModel 建立模型连接，并启动写循环与读循环
func (c *call) connectModel(ctx context.Context, g *errgroup.Group) error {
	conn, err := c.relay.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &UpstreamDisconnectError{Leg: LegModel, Err: err}
	}
	c.log.Info("模型连接已建立")

	ws.ExtendOnPong(conn, c.relay.config.PongWait)
	g.Go(func() error { return c.exit(c.pumpModel(ctx, conn)) })
	g.Go(func() error { return c.exit(c.readModel(ctx, conn)) })
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})
	if c.relay.config.PingPeriod > 0 {
		g.Go(func() error {
			ws.KeepAlive(ctx, conn, c.relay.config.PingPeriod)
			return nil
		})
	}
	return nil
}

// pumpModel 模型连接唯一的写入方
func (c *call) pumpModel(ctx context.Context, conn ws.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.out:
			if err := ws.WriteJSON(conn, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &UpstreamDisconnectError{Leg: LegModel, Err: err}
			}
		}
	}
}

// readModel 模型侧读循环，电话侧连接只由这里写入
func (c *call) readModel(ctx context.Context, conn ws.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &UpstreamDisconnectError{Leg: LegModel, Err: err}
		}

		var ev models.RealtimeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("无法解析模型消息", zap.Error(err))
			continue
		}

		switch ev.Type {
		case models.RealtimeAudioDelta:
			if err := c.forwardAudio(ev.Delta); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &UpstreamDisconnectError{Leg: LegTelephony, Err: err}
			}
		case models.RealtimeSpeechStarted:
			if sid, ok := c.sess.StreamSID(); ok {
				if err := ws.WriteJSON(c.phone, models.NewTwilioClear(sid)); err != nil && ctx.Err() == nil {
					return &UpstreamDisconnectError{Leg: LegTelephony, Err: err}
				}
			}
		case models.RealtimeFunctionCallDone:
			c.onFunctionCall(ctx, models.ToolCall{
				CallID:    ev.CallID,
				Name:      ev.Name,
				Arguments: json.RawMessage(ev.Arguments),
			})
		case models.RealtimeInputTranscription:
			c.relay.observer.Transcript(c.sess.ID(), "user", ev.Transcript)
		case models.RealtimeAudioTranscriptDone:
			c.relay.observer.Transcript(c.sess.ID(), "assistant", ev.Transcript)
		case models.RealtimeError:
			if ev.Error != nil {
				c.log.Warn("模型返回错误", zap.String("code", ev.Error.Code), zap.String("message", ev.Error.Message))
			}
		case models.RealtimeSessionCreated, models.RealtimeSessionUpdated:
			c.log.Debug("模型会话", zap.String("type", ev.Type))
		}
	}
}

func (c *call) forwardAudio(delta string) error {
	if delta == "" {
		return nil
	}
	sid, ok := c.sess.StreamSID()
	if !ok {
		c.log.Warn("stream id 未知，丢弃模型音频")
		return nil
	}
	return ws.WriteJSON(c.phone, models.NewTwilioMedia(sid, delta))
}

// onFunctionCall 将工具调用交给队列，结果稍后写回模型连接
func (c *call) onFunctionCall(ctx context.Context, tc models.ToolCall) {
	c.log.Info("模型请求调用工具", zap.String("tool", tc.Name), zap.String("call_id", tc.CallID))

	err := c.queue.Submit(c.sess.CallerPhone(), tc, func(res models.ToolResult, elapsed time.Duration) {
		c.relay.observer.ToolCompleted(c.sess.ID(), tc, res, elapsed)
		if res.Success && res.BookingID > 0 && services.CanonicalToolName(tc.Name) == models.ToolBookAppointment {
			c.sess.LinkBooking(res.BookingID)
		}
		if c.sess.Phase().Terminal() || ctx.Err() != nil {
			c.log.Info("通话已结束，丢弃工具结果", zap.String("tool", tc.Name), zap.Bool("success", res.Success))
			return
		}
		c.reply(ctx, tc.CallID, res)
	})
	if err != nil {
		c.log.Warn("工具调用无法排队", zap.Error(err))
		c.reply(ctx, tc.CallID, models.FailureResult(models.InternalError(err)))
	}
}

func (c *call) reply(ctx context.Context, callID string, res models.ToolResult) {
	if c.send(ctx, models.NewFunctionOutput(callID, res.JSON())) {
		c.send(ctx, models.NewResponseCreate())
	}
}
