// Package ws 提供通话两侧共用的WebSocket连接工具
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 中继使用的最小连接接口，*websocket.Conn 直接满足
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Config WebSocket客户端配置
type Config struct {
	URL              string            // WebSocket服务器地址
	Headers          map[string]string // 自定义请求头
	HandshakeTimeout time.Duration     // 握手超时
	ReadBufferSize   int
	WriteBufferSize  int
}

// Dial 连接到WebSocket服务器
func Dial(ctx context.Context, config Config) (*websocket.Conn, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("解析URL失败: %w", err)
	}

	timeout := config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}

	header := http.Header{}
	for k, v := range config.Headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("连接WebSocket失败(状态码%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("连接WebSocket失败: %w", err)
	}
	return conn, nil
}

// WriteJSON 序列化后以文本帧发送
func WriteJSON(conn Conn, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("消息序列化失败: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("消息发送失败: %w", err)
	}
	return nil
}

// ExtendOnPong 设置读超时，每次收到Pong时顺延。须在读循环启动前调用
func ExtendOnPong(conn Conn, pongWait time.Duration) {
	if pongWait <= 0 {
		return
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// KeepAlive 定期发送Ping，ctx取消或发送失败时返回
func KeepAlive(ctx context.Context, conn Conn, pingPeriod time.Duration) {
	if pingPeriod <= 0 {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingPeriod)); err != nil {
				return
			}
		}
	}
}

// IsClosed 判断是否为正常或预期内的连接关闭
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
