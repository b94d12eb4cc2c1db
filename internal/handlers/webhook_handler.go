package handlers

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spa_call_booking/internal/models"
	"spa_call_booking/internal/session"
)

// TwiML 响应结构
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

var greetings = map[string]struct{ text, lang string }{
	"it": {"Benvenuto a %s. Un momento per favore...", "it-IT"},
	"en": {"Welcome to %s. One moment please...", "en-US"},
	"de": {"Willkommen bei %s. Einen Moment bitte...", "de-DE"},
}

// StatusRecorder 保存状态回调
type StatusRecorder interface {
	RecordStatus(ctx context.Context, callID, status string) error
}

// WebhookHandler Twilio语音回调
type WebhookHandler struct {
	publicHost string
	spaName    string
	language   string
	registry   *session.Registry
	recorder   StatusRecorder
	log        *zap.Logger
}

// NewWebhookHandler 创建回调处理器，publicHost为空时使用请求的Host，recorder可为nil
func NewWebhookHandler(publicHost, spaName, language string, registry *session.Registry, recorder StatusRecorder, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		publicHost: publicHost,
		spaName:    spaName,
		language:   strings.ToLower(language),
		registry:   registry,
		recorder:   recorder,
		log:        log,
	}
}

// StreamURL 媒体流地址
func (h *WebhookHandler) StreamURL(r *http.Request) string {
	host := h.publicHost
	if host == "" {
		host = r.Host
	}
	return "wss://" + host + "/media-stream"
}

// IncomingCall 来电时返回TwiML，把通话接到媒体流
func (h *WebhookHandler) IncomingCall(c *gin.Context) {
	from := c.PostForm("From")
	callSID := c.PostForm("CallSid")
	h.log.Info("收到来电", zap.String("from", from), zap.String("call_sid", callSID))

	g, ok := greetings[h.language]
	if !ok {
		g = greetings["it"]
	}
	c.XML(http.StatusOK, twimlResponse{
		Say: &twimlSay{Voice: "alice", Language: g.lang, Text: fmt.Sprintf(g.text, h.spaName)},
		Connect: &twimlConnect{Stream: twimlStream{
			URL: h.StreamURL(c.Request),
			Parameters: []twimlParameter{
				{Name: models.ParamCallerPhone, Value: from},
				{Name: models.ParamCallSID, Value: callSID},
			},
		}},
	})
}

// CallStatus 记录Twilio推送的通话状态
func (h *WebhookHandler) CallStatus(c *gin.Context) {
	callSID := c.PostForm("CallSid")
	status := c.PostForm("CallStatus")

	fields := []zap.Field{zap.String("call_sid", callSID), zap.String("status", status)}
	if s, ok := h.registry.Get(callSID); ok {
		fields = append(fields, zap.String("phase", s.Phase().String()), zap.String("session_id", s.ID()))
	}
	h.log.Info("通话状态更新", fields...)

	// Twilio会重试非2xx的回调，保存失败只记日志
	if h.recorder != nil && callSID != "" {
		if err := h.recorder.RecordStatus(c.Request.Context(), callSID, status); err != nil {
			h.log.Error("保存通话状态失败", zap.String("call_sid", callSID), zap.Error(err))
		}
	}
	c.Status(http.StatusOK)
}
