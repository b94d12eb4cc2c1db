package simulator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spa_call_booking/internal/models"
	"spa_call_booking/internal/utils"
)

// fakeMediaServer 把收到的每帧音频原样回放，第一帧后发一次clear
type fakeMediaServer struct {
	mu     sync.Mutex
	events []models.TwilioEvent
}

func (s *fakeMediaServer) handle(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev models.TwilioEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		s.mu.Lock()
		s.events = append(s.events, ev)
		first := len(s.events) == 3
		s.mu.Unlock()

		switch ev.Event {
		case models.TwilioEventMedia:
			conn.WriteJSON(models.NewTwilioMedia(ev.StreamSid, ev.Media.Payload))
			if first {
				conn.WriteJSON(models.NewTwilioClear(ev.StreamSid))
			}
		case models.TwilioEventStop:
			return
		}
	}
}

func TestRun(t *testing.T) {
	fake := &fakeMediaServer{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handle))
	defer srv.Close()

	res, err := Run(context.Background(), Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream",
		CallerPhone: "+39333000111",
		Frames:      utils.SilenceFrames(5, utils.ULawFrameSize),
		Interval:    time.Millisecond,
		Linger:      100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, res.FramesSent)
	assert.Equal(t, 5, res.MediaReceived)
	assert.Equal(t, 5*utils.ULawFrameSize, res.BytesReceived)
	assert.Equal(t, 1, res.Clears)
	assert.True(t, strings.HasPrefix(res.CallSID, "CA"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.events, 8)
	assert.Equal(t, models.TwilioEventConnected, fake.events[0].Event)

	start := fake.events[1]
	require.Equal(t, models.TwilioEventStart, start.Event)
	assert.Equal(t, res.StreamSID, start.Start.StreamSid)
	assert.Equal(t, "+39333000111", start.Start.CustomParameters[models.ParamCallerPhone])
	assert.Equal(t, res.CallSID, start.Start.CustomParameters[models.ParamCallSID])

	payload, err := base64.StdEncoding.DecodeString(fake.events[2].Media.Payload)
	require.NoError(t, err)
	assert.Len(t, payload, utils.ULawFrameSize)
	assert.Equal(t, models.TwilioEventStop, fake.events[7].Event)
}

func TestRunServerHangsUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	_, err := Run(context.Background(), Config{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Frames:   utils.SilenceFrames(50, 0),
		Interval: 10 * time.Millisecond,
	}, nil)
	assert.Error(t, err)
}

func TestRunDialError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Run(ctx, Config{URL: "ws://127.0.0.1:1/media-stream"}, nil)
	assert.Error(t, err)
}
