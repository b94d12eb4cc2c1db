package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"spa_call_booking/internal/clients/ws"
	"spa_call_booking/internal/models"
	"spa_call_booking/internal/services"
	"spa_call_booking/internal/session"
	"spa_call_booking/internal/store"
	"spa_call_booking/internal/types"
)

var testNow = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

// fakeConn 基于channel的WebSocket连接，in为对端发来的消息，out为本端写出的消息
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 256),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
		}
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed network connection")
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.out:
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("等待消息超时")
		return nil
	}
}

func (c *fakeConn) nextModelEvent(t *testing.T) models.RealtimeEvent {
	t.Helper()
	var ev models.RealtimeEvent
	require.NoError(t, json.Unmarshal(c.next(t), &ev))
	return ev
}

func (c *fakeConn) nextTwilioEvent(t *testing.T) models.TwilioEvent {
	t.Helper()
	var ev models.TwilioEvent
	require.NoError(t, json.Unmarshal(c.next(t), &ev))
	return ev
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(context.Context) (ws.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// recordingObserver 记录通话结束汇总
type recordingObserver struct {
	mu      sync.Mutex
	ended   []models.CallSummary
	tools   []models.ToolResult
	turns   []string
	endedCh chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{endedCh: make(chan struct{}, 4)}
}

func (o *recordingObserver) Transcript(_, role, text string) {
	o.mu.Lock()
	o.turns = append(o.turns, role+": "+text)
	o.mu.Unlock()
}

func (o *recordingObserver) ToolCompleted(_ string, _ models.ToolCall, res models.ToolResult, _ time.Duration) {
	o.mu.Lock()
	o.tools = append(o.tools, res)
	o.mu.Unlock()
}

func (o *recordingObserver) CallEnded(s models.CallSummary) {
	o.mu.Lock()
	o.ended = append(o.ended, s)
	o.mu.Unlock()
	o.endedCh <- struct{}{}
}

func (o *recordingObserver) summaries() []models.CallSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.CallSummary(nil), o.ended...)
}

type fixture struct {
	relay    *Relay
	registry *session.Registry
	phone    *fakeConn
	model    *fakeConn
	dialer   *fakeDialer
	observer *recordingObserver
	service  *services.BookingService
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "spa.db"), store.Options{
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	svc := services.NewBookingService(s, services.LogNotifier{SpaName: "Spa", Log: zap.NewNop()}, log)
	f := &fixture{
		registry: session.NewRegistry(),
		phone:    newFakeConn(),
		model:    newFakeConn(),
		observer: newRecordingObserver(),
		service:  svc,
		logs:     logs,
	}
	f.dialer = &fakeDialer{conn: f.model}
	cfg.Now = func() time.Time { return testNow }
	cfg.Location = time.UTC
	f.relay = New(cfg, f.registry, f.dialer, services.NewToolDispatcher(svc, log), f.observer, log)
	return f
}

func (f *fixture) run(t *testing.T) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.relay.Run(context.Background(), f.phone) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("通话未结束")
		return nil
	}
}

func startEvent(sid, callID, phone string) models.TwilioEvent {
	return models.TwilioEvent{
		Event:     models.TwilioEventStart,
		StreamSid: sid,
		Start: &models.TwilioStart{
			StreamSid: sid,
			CallSid:   callID,
			CustomParameters: map[string]string{
				models.ParamCallerPhone: phone,
				models.ParamCallSID:     callID,
			},
		},
	}
}

func media(payload string) models.TwilioEvent {
	return models.TwilioEvent{Event: models.TwilioEventMedia, Media: &models.TwilioMedia{Payload: payload}}
}

func TestPreStartAudioIsBufferedInOrder(t *testing.T) {
	f := newFixture(t, Config{})
	done := f.run(t)

	f.phone.push(t, models.TwilioEvent{Event: models.TwilioEventConnected, Protocol: "Call"})
	f.phone.push(t, media("AAA"))
	f.phone.push(t, media("BBB"))
	f.phone.push(t, startEvent("S1", "CA1", "+39 333 000 111"))
	f.phone.push(t, media("CCC"))

	ctxItem := f.model.nextModelEvent(t)
	assert.Equal(t, models.RealtimeItemCreate, ctxItem.Type)
	require.NotNil(t, ctxItem.Item)
	assert.Contains(t, ctxItem.Item.Content[0].Text, "+39333000111")
	assert.Contains(t, ctxItem.Item.Content[0].Text, "2025-01-10")

	var appended []string
	var sawResponse bool
	for len(appended) < 3 {
		ev := f.model.nextModelEvent(t)
		switch ev.Type {
		case models.RealtimeAudioAppend:
			appended = append(appended, ev.Audio)
		case models.RealtimeResponseCreate:
			assert.Len(t, appended, 2, "response.create应在缓存音频之后")
			sawResponse = true
		}
	}
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, appended)
	assert.True(t, sawResponse)

	s, ok := f.registry.Get("CA1")
	require.True(t, ok)
	sid, _ := s.StreamSID()
	assert.Equal(t, "S1", sid)

	f.phone.push(t, models.TwilioEvent{Event: models.TwilioEventStop})
	require.NoError(t, wait(t, done))
}

func TestPreStartBufferBound(t *testing.T) {
	f := newFixture(t, Config{PreStartBuffer: 2})
	done := f.run(t)

	f.phone.push(t, media("A"))
	f.phone.push(t, media("B"))
	f.phone.push(t, media("C"))
	f.phone.push(t, startEvent("S1", "CA1", "+39333"))

	var appended []string
	for {
		ev := f.model.nextModelEvent(t)
		if ev.Type == models.RealtimeResponseCreate {
			break
		}
		if ev.Type == models.RealtimeAudioAppend {
			appended = append(appended, ev.Audio)
		}
	}
	assert.Equal(t, []string{"A", "B"}, appended)
	assert.Equal(t, 1, f.logs.FilterMessage("start之前的音频超出缓存，丢弃").Len())

	f.phone.push(t, models.TwilioEvent{Event: models.TwilioEventStop})
	require.NoError(t, wait(t, done))
}

func TestBookingCallEndToEnd(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 10; i++ {
		_, err := f.service.Book(context.Background(), models.BookingRequest{
			CustomerName:  fmt.Sprintf("Guest %d", i),
			CustomerPhone: fmt.Sprintf("+3910000%03d", i),
			Date:          "2025-01-15",
			StartTime:     "10:00",
		})
		require.NoError(t, err)
	}
	done := f.run(t)

	// stream id 未确定前的模型音频被丢弃
	f.model.push(t, models.RealtimeEvent{Type: models.RealtimeAudioDelta, Delta: "EARLY"})
	require.Eventually(t, func() bool {
		return f.logs.FilterMessage("stream id 未知，丢弃模型音频").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.phone.push(t, startEvent("S1", "CA1", "+39333000111"))
	assert.Equal(t, models.RealtimeItemCreate, f.model.nextModelEvent(t).Type)
	assert.Equal(t, models.RealtimeResponseCreate, f.model.nextModelEvent(t).Type)

	f.model.push(t, models.RealtimeEvent{Type: models.RealtimeInputTranscription, Transcript: "Vorrei prenotare"})
	f.model.push(t, models.RealtimeEvent{
		Type:      models.RealtimeFunctionCallDone,
		CallID:    "fc_1",
		Name:      models.ToolBookAppointment,
		Arguments: `{"name":"Maria Rossi","date":"2025-01-15","start_time":"10:00","end_time":"12:00"}`,
	})

	out := f.model.nextModelEvent(t)
	require.Equal(t, models.RealtimeItemCreate, out.Type)
	require.NotNil(t, out.Item)
	assert.Equal(t, "function_call_output", out.Item.Type)
	assert.Equal(t, "fc_1", out.Item.CallID)

	var res models.ToolResult
	require.NoError(t, json.Unmarshal([]byte(out.Item.Output), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "SPA-000011", res.BookingReference)
	assert.Equal(t, models.RealtimeResponseCreate, f.model.nextModelEvent(t).Type)

	f.model.push(t, models.RealtimeEvent{Type: models.RealtimeAudioDelta, Delta: "CONFIRM"})
	spoken := f.phone.nextTwilioEvent(t)
	assert.Equal(t, models.TwilioEventMedia, spoken.Event)
	assert.Equal(t, "S1", spoken.StreamSid)
	assert.Equal(t, "CONFIRM", spoken.Media.Payload)

	f.model.push(t, models.RealtimeEvent{Type: models.RealtimeSpeechStarted})
	assert.Equal(t, models.TwilioEventClear, f.phone.nextTwilioEvent(t).Event)

	f.phone.push(t, models.TwilioEvent{Event: models.TwilioEventStop})
	require.NoError(t, wait(t, done))

	assert.Equal(t, 0, f.registry.Len())
	ended := f.observer.summaries()
	require.Len(t, ended, 1)
	assert.Equal(t, "closed", ended[0].Phase)
	assert.Equal(t, int64(11), ended[0].BookingID)
	assert.Equal(t, "CA1", ended[0].CallID)

	f.observer.mu.Lock()
	assert.Contains(t, f.observer.turns, "user: Vorrei prenotare")
	f.observer.mu.Unlock()
}

func TestSlotFullIsSpokenBack(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < models.SlotCapacity; i++ {
		_, err := f.service.Book(context.Background(), models.BookingRequest{
			CustomerName: "Guest", CustomerPhone: fmt.Sprintf("+3920000%03d", i), Date: "2025-01-15", StartTime: "10:00",
		})
		require.NoError(t, err)
	}
	done := f.run(t)

	f.phone.push(t, startEvent("S1", "CA1", "+39333"))
	f.model.nextModelEvent(t)
	f.model.nextModelEvent(t)

	f.model.push(t, models.RealtimeEvent{
		Type: models.RealtimeFunctionCallDone, CallID: "fc_1", Name: models.ToolBookAppointment,
		Arguments: `{"name":"Late","date":"2025-01-15","start_time":"10:00"}`,
	})
	out := f.model.nextModelEvent(t)
	require.NotNil(t, out.Item)
	var res models.ToolResult
	require.NoError(t, json.Unmarshal([]byte(out.Item.Output), &res))
	assert.False(t, res.Success)
	assert.Equal(t, models.KindSlotFull, res.Reason)

	f.phone.push(t, models.TwilioEvent{Event: models.TwilioEventStop})
	require.NoError(t, wait(t, done))
	assert.Zero(t, f.observer.summaries()[0].BookingID)
}

func TestModelDisconnectFailsCall(t *testing.T) {
	f := newFixture(t, Config{ShutdownGrace: time.Second})
	done := f.run(t)

	f.phone.push(t, startEvent("S1", "CA1", "+39333"))
	f.model.nextModelEvent(t)
	close(f.model.in)

	err := wait(t, done)
	var disc *UpstreamDisconnectError
	require.ErrorAs(t, err, &disc)
	assert.Equal(t, LegModel, disc.Leg)

	ended := f.observer.summaries()
	require.Len(t, ended, 1)
	assert.Equal(t, "failed", ended[0].Phase)
	assert.NotEmpty(t, ended[0].Reason)
	assert.Equal(t, 0, f.registry.Len())

	select {
	case <-f.phone.closed:
	default:
		t.Fatal("电话侧连接应被关闭")
	}
}

func TestTelephonyDropFailsCall(t *testing.T) {
	f := newFixture(t, Config{})
	done := f.run(t)

	f.phone.push(t, startEvent("S1", "CA1", "+39333"))
	close(f.phone.in)

	var disc *UpstreamDisconnectError
	require.ErrorAs(t, wait(t, done), &disc)
	assert.Equal(t, LegTelephony, disc.Leg)
}

func TestDialFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.dialer.err = errors.New("401 Unauthorized")
	done := f.run(t)

	var disc *UpstreamDisconnectError
	require.ErrorAs(t, wait(t, done), &disc)
	assert.Equal(t, LegModel, disc.Leg)
	assert.Equal(t, "failed", f.observer.summaries()[0].Phase)
}

func TestDuplicateCallIDFails(t *testing.T) {
	f := newFixture(t, Config{})
	existing := f.registry.Create()
	require.NoError(t, f.registry.Bind(existing, "CA1", "+39111"))

	done := f.run(t)
	f.phone.push(t, startEvent("S2", "CA1", "+39333"))

	err := wait(t, done)
	assert.ErrorIs(t, err, session.ErrDuplicateCall)
	assert.Equal(t, 1, f.registry.Len())
}

func TestTeardownIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.registry.Create()
	require.NoError(t, sess.Transition(types.CallPhaseStreamNegotiating))

	c := &call{
		relay: f.relay,
		sess:  sess,
		phone: f.phone,
		queue: services.NewToolQueue(f.relay.dispatcher, time.Second, 0),
		log:   zap.NewNop(),
		out:   make(chan models.RealtimeEvent, 1),
	}
	c.teardown(nil)
	c.teardown(nil)
	c.teardown(errors.New("late failure"))

	ended := f.observer.summaries()
	require.Len(t, ended, 1)
	assert.Equal(t, "closed", ended[0].Phase)
	assert.False(t, sess.Close())
	assert.False(t, f.registry.Remove(sess))
}

func TestToolResultAfterHangupIsDiscarded(t *testing.T) {
	f := newFixture(t, Config{})
	block := make(chan struct{})
	f.relay.dispatcher = dispatcherFunc(func(ctx context.Context, phone string, call models.ToolCall) models.ToolResult {
		<-block
		return models.ToolResult{Success: true, Message: "late"}
	})
	done := f.run(t)

	f.phone.push(t, startEvent("S1", "CA1", "+39333"))
	f.model.nextModelEvent(t)
	f.model.nextModelEvent(t)

	f.model.push(t, models.RealtimeEvent{Type: models.RealtimeFunctionCallDone, CallID: "fc_1", Name: models.ToolListAppointments})
	require.Eventually(t, func() bool {
		return f.logs.FilterMessage("模型请求调用工具").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.phone.push(t, models.TwilioEvent{Event: models.TwilioEventStop})
	time.AfterFunc(50*time.Millisecond, func() { close(block) })
	require.NoError(t, wait(t, done))

	assert.Equal(t, 1, f.logs.FilterMessage("通话已结束，丢弃工具结果").Len())
	for {
		select {
		case data := <-f.model.out:
			var ev models.RealtimeEvent
			require.NoError(t, json.Unmarshal(data, &ev))
			assert.NotEqual(t, "function_call_output", itemType(ev))
			continue
		default:
		}
		break
	}
}

func TestToolCallsRunInOrderWhileAudioFlows(t *testing.T) {
	f := newFixture(t, Config{})
	release := make(chan struct{})
	started := make(chan string, 2)
	f.relay.dispatcher = dispatcherFunc(func(ctx context.Context, phone string, call models.ToolCall) models.ToolResult {
		started <- call.CallID
		if call.CallID == "fc_1" {
			<-release
		}
		return models.ToolResult{Success: true, Message: "done " + call.CallID}
	})
	done := f.run(t)

	f.phone.push(t, startEvent("S1", "CA1", "+39333"))
	assert.Equal(t, models.RealtimeItemCreate, f.model.nextModelEvent(t).Type)
	assert.Equal(t, models.RealtimeResponseCreate, f.model.nextModelEvent(t).Type)

	f.model.push(t, models.RealtimeEvent{Type: models.RealtimeFunctionCallDone, CallID: "fc_1", Name: models.ToolListAppointments})
	f.model.push(t, models.RealtimeEvent{Type: models.RealtimeFunctionCallDone, CallID: "fc_2", Name: models.ToolListAppointments})

	select {
	case id := <-started:
		require.Equal(t, "fc_1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("fc_1未开始执行")
	}
	require.Eventually(t, func() bool {
		return f.logs.FilterMessage("模型请求调用工具").Len() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// fc_1阻塞期间fc_2不能开始，两个方向的音频照常转发
	select {
	case id := <-started:
		t.Fatalf("%s在fc_1完成前开始执行", id)
	case <-time.After(100 * time.Millisecond):
	}

	f.phone.push(t, media("LIVE"))
	up := f.model.nextModelEvent(t)
	assert.Equal(t, models.RealtimeAudioAppend, up.Type)
	assert.Equal(t, "LIVE", up.Audio)

	f.model.push(t, models.RealtimeEvent{Type: models.RealtimeAudioDelta, Delta: "SPEAK"})
	down := f.phone.nextTwilioEvent(t)
	assert.Equal(t, models.TwilioEventMedia, down.Event)
	assert.Equal(t, "SPEAK", down.Media.Payload)

	close(release)

	var outputs []string
	for len(outputs) < 2 {
		ev := f.model.nextModelEvent(t)
		if itemType(ev) == "function_call_output" {
			outputs = append(outputs, ev.Item.CallID)
		}
	}
	assert.Equal(t, []string{"fc_1", "fc_2"}, outputs)
	assert.Equal(t, "fc_2", <-started)

	f.phone.push(t, models.TwilioEvent{Event: models.TwilioEventStop})
	require.NoError(t, wait(t, done))
}

func TestObserversFanOut(t *testing.T) {
	a, b := newRecordingObserver(), newRecordingObserver()
	obs := Observers{a, b}

	obs.Transcript("s-1", "user", "ciao")
	obs.ToolCompleted("s-1", models.ToolCall{CallID: "fc_1"}, models.ToolResult{Success: true}, time.Millisecond)
	obs.CallEnded(models.CallSummary{SessionID: "s-1", Phase: "closed"})

	for _, o := range []*recordingObserver{a, b} {
		assert.Equal(t, []string{"user: ciao"}, o.turns)
		assert.Len(t, o.tools, 1)
		require.Len(t, o.summaries(), 1)
		assert.Equal(t, "s-1", o.summaries()[0].SessionID)
	}
}

type dispatcherFunc func(ctx context.Context, phone string, call models.ToolCall) models.ToolResult

func (f dispatcherFunc) Dispatch(ctx context.Context, phone string, call models.ToolCall) models.ToolResult {
	return f(ctx, phone, call)
}

func itemType(ev models.RealtimeEvent) string {
	if ev.Item == nil {
		return ""
	}
	return ev.Item.Type
}
