// Package realtime 连接OpenAI Realtime语音模型
package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"spa_call_booking/internal/clients/ws"
	"spa_call_booking/internal/models"
)

// Config Realtime客户端配置
type Config struct {
	URL              string
	Model            string
	APIKey           string
	Voice            string
	Temperature      float64
	Instructions     string
	SpaName          string
	Language         string
	HandshakeTimeout time.Duration
}

// Dialer 每通电话建立一条模型连接，并在返回前完成会话配置
type Dialer struct {
	config Config
	tools  []models.RealtimeTool
	log    *zap.Logger
}

// NewDialer 创建模型连接器
func NewDialer(config Config, tools []models.RealtimeTool, log *zap.Logger) *Dialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dialer{config: config, tools: tools, log: log}
}

// Dial 连接模型并发送session.update
func (d *Dialer) Dial(ctx context.Context) (ws.Conn, error) {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return nil, fmt.Errorf("解析Realtime地址失败: %w", err)
	}
	if d.config.Model != "" {
		q := u.Query()
		q.Set("model", d.config.Model)
		u.RawQuery = q.Encode()
	}

	conn, err := ws.Dial(ctx, ws.Config{
		URL: u.String(),
		Headers: map[string]string{
			"Authorization": "Bearer " + d.config.APIKey,
			"OpenAI-Beta":   "realtime=v1",
		},
		HandshakeTimeout: d.config.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}

	if err := ws.WriteJSON(conn, d.SessionUpdate()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("发送会话配置失败: %w", err)
	}
	d.log.Debug("模型连接已建立", zap.String("model", d.config.Model))
	return conn, nil
}

// SessionUpdate 构造会话配置事件
func (d *Dialer) SessionUpdate() models.RealtimeEvent {
	instructions := d.config.Instructions
	if strings.TrimSpace(instructions) == "" {
		instructions = Instructions(d.config.SpaName, d.config.Language)
	}
	return models.RealtimeEvent{
		Type: models.RealtimeSessionUpdate,
		Session: &models.RealtimeSession{
			Modalities:              []string{"text", "audio"},
			Instructions:            instructions,
			Voice:                   d.config.Voice,
			InputAudioFormat:        models.AudioFormatULaw,
			OutputAudioFormat:       models.AudioFormatULaw,
			InputAudioTranscription: &models.RealtimeTranscription{Model: "whisper-1"},
			TurnDetection:           &models.RealtimeTurnDetection{Type: "server_vad"},
			Tools:                   d.tools,
			ToolChoice:              "auto",
			Temperature:             d.config.Temperature,
		},
	}
}

// Instructions 内置的前台接待人设
func Instructions(spaName, language string) string {
	lang := "Italian"
	switch strings.ToLower(language) {
	case "en":
		lang = "English"
	case "de":
		lang = "German"
	}
	return fmt.Sprintf(`You are the phone receptionist of %s. Speak %s unless the caller uses another language.
Sessions last two hours and start at 10:00, 12:00, 14:00, 16:00 and 18:00, with at most 14 guests each.
Always check availability before booking, ask for the guest's name, and read back the booking reference.
Use the caller's phone number for every booking; never ask for it.
If a tool reports a failure, explain the reason briefly and offer an alternative.`, spaName, lang)
}

// CallerContext 在通话接通时告知模型来电号码与当前日期
func CallerContext(callerPhone string, now time.Time) models.RealtimeEvent {
	phone := callerPhone
	if phone == "" {
		phone = "unknown"
	}
	return models.NewSystemMessage(fmt.Sprintf(
		"Caller phone number: %s. Today is %s (%s). Greet the caller now.",
		phone, now.Format(models.DateLayout), now.Weekday()))
}
