package models

// Twilio Media Streams 事件类型
const (
	TwilioEventConnected = "connected"
	TwilioEventStart     = "start"
	TwilioEventMedia     = "media"
	TwilioEventStop      = "stop"
	TwilioEventMark      = "mark"
	TwilioEventClear     = "clear"
)

// 通过<Parameter>传入的自定义参数
const (
	ParamCallerPhone = "caller_phone"
	ParamCallSID     = "call_sid"
)

// TwilioEvent Media Streams 双向消息
type TwilioEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *TwilioStart  `json:"start,omitempty"`
	Media          *TwilioMedia  `json:"media,omitempty"`
	Stop           *TwilioStop   `json:"stop,omitempty"`
	Mark           *TwilioMark   `json:"mark,omitempty"`
}

// TwilioStart start事件内容
type TwilioStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *TwilioFormat     `json:"mediaFormat,omitempty"`
}

// TwilioFormat 音频格式，固定为8kHz μ-law
type TwilioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// TwilioMedia media事件内容，Payload为base64编码
type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// TwilioStop stop事件内容
type TwilioStop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// TwilioMark mark事件内容
type TwilioMark struct {
	Name string `json:"name"`
}

// NewTwilioMedia 构造发往电话侧的音频帧
func NewTwilioMedia(streamSid, payload string) TwilioEvent {
	return TwilioEvent{
		Event:     TwilioEventMedia,
		StreamSid: streamSid,
		Media:     &TwilioMedia{Payload: payload},
	}
}

// NewTwilioClear 清空电话侧尚未播放的音频
func NewTwilioClear(streamSid string) TwilioEvent {
	return TwilioEvent{Event: TwilioEventClear, StreamSid: streamSid}
}
