// Package simulator 模拟Twilio电话侧，对媒体流入口发起一通电话
package simulator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spa_call_booking/internal/clients/ws"
	"spa_call_booking/internal/models"
)

var errServerClosed = errors.New("服务端关闭了连接")

// Config 模拟参数
type Config struct {
	URL         string        // 媒体流地址，如 ws://localhost:8080/media-stream
	CallerPhone string        // 主叫号码
	Frames      [][]byte      // 逐帧发送的μ-law音频
	Interval    time.Duration // 帧间隔，默认20ms
	Linger      time.Duration // 音频发完后继续接收回复的时间
}

// Result 一次模拟通话的统计
type Result struct {
	CallSID       string
	StreamSID     string
	FramesSent    int
	MediaReceived int
	BytesReceived int
	Clears        int
}

// Run 拨入一通电话，发送音频后挂断
func Run(ctx context.Context, cfg Config, log *zap.Logger) (*Result, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := ws.Dial(ctx, ws.Config{URL: cfg.URL})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	res := &Result{
		CallSID:   "CA" + uuid.NewString(),
		StreamSID: "MZ" + uuid.NewString(),
	}
	log = log.With(zap.String("call_sid", res.CallSID))

	var (
		mu      sync.Mutex
		readErr error
		stopped bool
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				mu.Lock()
				// 发出停止帧之后服务端关闭连接属于正常结束
				if !stopped && !ws.IsClosed(err) {
					readErr = err
				}
				mu.Unlock()
				return
			}
			var ev models.TwilioEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Warn("无法解析服务端消息", zap.Error(err))
				continue
			}
			mu.Lock()
			switch ev.Event {
			case models.TwilioEventMedia:
				res.MediaReceived++
				if ev.Media != nil {
					if b, err := base64.StdEncoding.DecodeString(ev.Media.Payload); err == nil {
						res.BytesReceived += len(b)
					}
				}
				if ev.StreamSid != res.StreamSID {
					log.Warn("收到的stream id不一致", zap.String("stream_sid", ev.StreamSid))
				}
			case models.TwilioEventClear:
				res.Clears++
			}
			mu.Unlock()
		}
	}()

	send := func(ev models.TwilioEvent) error {
		return ws.WriteJSON(conn, ev)
	}

	if err := send(models.TwilioEvent{Event: models.TwilioEventConnected, Protocol: "Call", Version: "1.0.0"}); err != nil {
		return nil, err
	}
	if err := send(models.TwilioEvent{
		Event:          models.TwilioEventStart,
		SequenceNumber: "1",
		StreamSid:      res.StreamSID,
		Start: &models.TwilioStart{
			StreamSid: res.StreamSID,
			CallSid:   res.CallSID,
			Tracks:    []string{"inbound"},
			CustomParameters: map[string]string{
				models.ParamCallerPhone: cfg.CallerPhone,
				models.ParamCallSID:     res.CallSID,
			},
			MediaFormat: &models.TwilioFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	}); err != nil {
		return nil, err
	}
	log.Info("模拟通话开始", zap.String("stream_sid", res.StreamSID), zap.Int("frames", len(cfg.Frames)))

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for i, frame := range cfg.Frames {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-done:
			mu.Lock()
			err := readErr
			mu.Unlock()
			if err == nil {
				err = errServerClosed
			}
			return res, fmt.Errorf("服务端提前断开: %w", err)
		case <-ticker.C:
		}
		err := send(models.TwilioEvent{
			Event:          models.TwilioEventMedia,
			SequenceNumber: strconv.Itoa(i + 2),
			StreamSid:      res.StreamSID,
			Media: &models.TwilioMedia{
				Track:     "inbound",
				Chunk:     strconv.Itoa(i + 1),
				Timestamp: strconv.FormatInt(int64(i)*cfg.Interval.Milliseconds(), 10),
				Payload:   base64.StdEncoding.EncodeToString(frame),
			},
		})
		if err != nil {
			return res, err
		}
		res.FramesSent++
	}

	if cfg.Linger > 0 {
		select {
		case <-ctx.Done():
		case <-done:
		case <-time.After(cfg.Linger):
		}
	}

	mu.Lock()
	stopped = true
	mu.Unlock()
	if err := send(models.TwilioEvent{Event: models.TwilioEventStop, StreamSid: res.StreamSID,
		Stop: &models.TwilioStop{CallSid: res.CallSID}}); err != nil {
		log.Warn("发送停止帧失败", zap.Error(err))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		select {
		case <-done:
		case <-time.After(time.Second):
			conn.Close()
			<-done
		}
	}

	mu.Lock()
	defer mu.Unlock()
	log.Info("模拟通话结束",
		zap.Int("frames_sent", res.FramesSent),
		zap.Int("media_received", res.MediaReceived),
		zap.Int("clears", res.Clears))
	return res, readErr
}
