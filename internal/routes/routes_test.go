package routes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spa_call_booking/internal/clients/realtime"
	"spa_call_booking/internal/handlers"
	"spa_call_booking/internal/middleware"
	"spa_call_booking/internal/models"
	"spa_call_booking/internal/relay"
	"spa_call_booking/internal/services"
	"spa_call_booking/internal/session"
	"spa_call_booking/internal/simulator"
	"spa_call_booking/internal/store"
	"spa_call_booking/internal/utils"
)

var testNow = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

// fakeRealtime 收到第一段音频后请求预约，收到工具结果后回复一段语音
type fakeRealtime struct {
	mu     sync.Mutex
	types  []string
	auth   string
	output string
}

func (f *fakeRealtime) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()

	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	asked := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev models.RealtimeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		f.mu.Lock()
		f.types = append(f.types, ev.Type)
		f.mu.Unlock()

		switch {
		case ev.Type == models.RealtimeAudioAppend && !asked:
			asked = true
			conn.WriteJSON(models.RealtimeEvent{
				Type:      models.RealtimeFunctionCallDone,
				CallID:    "fc_1",
				Name:      models.ToolBookAppointment,
				Arguments: `{"name":"Maria Rossi","date":"2025-01-15","start_time":"10:00"}`,
			})
		case ev.Type == models.RealtimeItemCreate && ev.Item != nil && ev.Item.Type == "function_call_output":
			f.mu.Lock()
			f.output = ev.Item.Output
			f.mu.Unlock()
			conn.WriteJSON(models.RealtimeEvent{
				Type:  models.RealtimeAudioDelta,
				Delta: base64.StdEncoding.EncodeToString([]byte("confirmed")),
			})
		}
	}
}

func newServer(t *testing.T, modelURL string) (*httptest.Server, *session.Registry, *services.BookingService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "spa.db"), store.Options{
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := zap.NewNop()
	svc := services.NewBookingService(s, services.LogNotifier{SpaName: "Spa", Log: log}, log)
	dispatcher := services.NewToolDispatcher(svc, log)
	registry := session.NewRegistry()
	dialer := realtime.NewDialer(realtime.Config{URL: modelURL, Model: "test-model", APIKey: "sk-test", SpaName: "Spa"},
		services.ToolDefinitions(), log)
	history := services.NewCallHistory(s, log)
	rl := relay.New(relay.Config{Now: func() time.Time { return testNow }, Location: time.UTC},
		registry, dialer, dispatcher, relay.Observers{services.NewConversationLogger(log), history}, log)

	r := gin.New()
	middleware.Setup(r)
	RegisterRoutes(r, Handlers{
		MediaStream: handlers.NewMediaStreamHandler(context.Background(), rl, 1024, 1024, log),
		Webhook:     handlers.NewWebhookHandler("", "Spa", "it", registry, history, log),
		Function:    handlers.NewFunctionHandler(dispatcher, log),
		Booking:     handlers.NewBookingHandler(svc, registry, history),
	}, RateLimit{PerMinute: 600, Burst: 50})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry, svc
}

func TestSimulatedCallBooksSlot(t *testing.T) {
	model := &fakeRealtime{}
	modelSrv := httptest.NewServer(http.HandlerFunc(model.handle))
	defer modelSrv.Close()

	srv, registry, svc := newServer(t, "ws"+strings.TrimPrefix(modelSrv.URL, "http"))

	res, err := simulator.Run(context.Background(), simulator.Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream",
		CallerPhone: "+39333000111",
		Frames:      utils.SilenceFrames(10, 0),
		Interval:    5 * time.Millisecond,
		Linger:      300 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 10, res.FramesSent)
	assert.GreaterOrEqual(t, res.MediaReceived, 1)
	assert.Equal(t, len("confirmed"), res.BytesReceived)

	require.Eventually(t, func() bool { return registry.Len() == 0 }, 3*time.Second, 20*time.Millisecond)

	model.mu.Lock()
	assert.Equal(t, "Bearer sk-test", model.auth)
	require.NotEmpty(t, model.types)
	assert.Equal(t, models.RealtimeSessionUpdate, model.types[0])
	assert.Contains(t, model.output, "SPA-000001")
	model.mu.Unlock()

	list, err := svc.List(context.Background(), "+39333000111", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2025-01-15", list[0].Date)
	assert.Equal(t, "12:00", list[0].EndTime)
}

func TestRoutesRegistered(t *testing.T) {
	srv, _, _ := newServer(t, "ws://127.0.0.1:1")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		ctype  string
		code   int
	}{
		{"根路由", "GET", "/", "", "", http.StatusOK},
		{"健康检查", "GET", "/health", "", "", http.StatusOK},
		{"来电回调", "POST", "/webhook/incoming-call", "From=%2B39333&CallSid=CA1", "application/x-www-form-urlencoded", http.StatusOK},
		{"状态回调", "POST", "/webhook/call-status", "CallSid=CA1&CallStatus=completed", "application/x-www-form-urlencoded", http.StatusOK},
		{"余位查询", "GET", "/api/availability?date=2025-01-15", "", "", http.StatusOK},
		{"通话列表", "GET", "/api/calls", "", "", http.StatusOK},
		{"通话记录", "GET", "/api/calls/CA1", "", "", http.StatusOK},
		{"按日期列出", "GET", "/api/bookings/date/2025-01-15", "", "", http.StatusOK},
		{"工具调用", "POST", "/api/function-handler", `{"function_name":"list_appointments","context":{"from":"+39333"}}`, "application/json", http.StatusOK},
		{"未注册路由", "GET", "/nope", "", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}
