package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spa_call_booking/internal/clients/ws"
	"spa_call_booking/internal/relay"
)

// CallRunner 负责一条媒体流连接的完整生命周期
type CallRunner interface {
	Run(ctx context.Context, conn ws.Conn) error
}

// MediaStreamHandler 电话媒体流WebSocket处理器
type MediaStreamHandler struct {
	base     context.Context
	runner   CallRunner
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewMediaStreamHandler 创建媒体流处理器，base取消时所有进行中的通话一起结束
func NewMediaStreamHandler(base context.Context, runner CallRunner, readBufferSize, writeBufferSize int, log *zap.Logger) *MediaStreamHandler {
	return &MediaStreamHandler{
		base:   base,
		runner: runner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// HandleWebSocket 升级连接并运行中继，直到通话结束
func (h *MediaStreamHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("升级 WebSocket 连接失败", zap.Error(err))
		return
	}
	defer conn.Close()

	if err := h.runner.Run(h.base, conn); err != nil {
		var disc *relay.UpstreamDisconnectError
		if errors.As(err, &disc) {
			h.log.Warn("通话因连接断开结束", zap.String("leg", disc.Leg), zap.Error(disc.Err))
			return
		}
		h.log.Error("通话处理失败", zap.Error(err))
	}
}
