package models

// OpenAI Realtime 事件类型
const (
	RealtimeSessionUpdate       = "session.update"
	RealtimeSessionCreated      = "session.created"
	RealtimeSessionUpdated      = "session.updated"
	RealtimeAudioAppend         = "input_audio_buffer.append"
	RealtimeSpeechStarted       = "input_audio_buffer.speech_started"
	RealtimeItemCreate          = "conversation.item.create"
	RealtimeResponseCreate      = "response.create"
	RealtimeAudioDelta          = "response.audio.delta"
	RealtimeAudioTranscriptDone = "response.audio_transcript.done"
	RealtimeInputTranscription  = "conversation.item.input_audio_transcription.completed"
	RealtimeFunctionCallDone    = "response.function_call_arguments.done"
	RealtimeResponseDone        = "response.done"
	RealtimeError               = "error"
)

// AudioFormatULaw 电话侧与模型侧统一使用的编码
const AudioFormatULaw = "g711_ulaw"

// RealtimeEvent 模型连接上的双向事件，按Type区分含义
type RealtimeEvent struct {
	Type       string           `json:"type"`
	EventID    string           `json:"event_id,omitempty"`
	ResponseID string           `json:"response_id,omitempty"`
	ItemID     string           `json:"item_id,omitempty"`
	Audio      string           `json:"audio,omitempty"`
	Delta      string           `json:"delta,omitempty"`
	Transcript string           `json:"transcript,omitempty"`
	CallID     string           `json:"call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
	Arguments  string           `json:"arguments,omitempty"`
	Session    *RealtimeSession `json:"session,omitempty"`
	Item       *RealtimeItem    `json:"item,omitempty"`
	Error      *RealtimeErrBody `json:"error,omitempty"`
}

// RealtimeSession 会话配置
type RealtimeSession struct {
	Modalities              []string                `json:"modalities,omitempty"`
	Instructions            string                  `json:"instructions,omitempty"`
	Voice                   string                  `json:"voice,omitempty"`
	InputAudioFormat        string                  `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                  `json:"output_audio_format,omitempty"`
	InputAudioTranscription *RealtimeTranscription  `json:"input_audio_transcription,omitempty"`
	TurnDetection           *RealtimeTurnDetection  `json:"turn_detection,omitempty"`
	Tools                   []RealtimeTool          `json:"tools,omitempty"`
	ToolChoice              string                  `json:"tool_choice,omitempty"`
	Temperature             float64                 `json:"temperature,omitempty"`
}

// RealtimeTranscription 输入音频转写配置
type RealtimeTranscription struct {
	Model string `json:"model"`
}

// RealtimeTurnDetection 服务端语音活动检测
type RealtimeTurnDetection struct {
	Type string `json:"type"`
}

// RealtimeTool 函数声明
type RealtimeTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// RealtimeItem 会话条目
type RealtimeItem struct {
	Type    string            `json:"type"`
	Role    string            `json:"role,omitempty"`
	CallID  string            `json:"call_id,omitempty"`
	Output  string            `json:"output,omitempty"`
	Content []RealtimeContent `json:"content,omitempty"`
}

// RealtimeContent 条目内容
type RealtimeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// RealtimeErrBody error事件内容
type RealtimeErrBody struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewAudioAppend 构造转发给模型的音频事件
func NewAudioAppend(payload string) RealtimeEvent {
	return RealtimeEvent{Type: RealtimeAudioAppend, Audio: payload}
}

// NewFunctionOutput 构造工具结果事件
func NewFunctionOutput(callID, output string) RealtimeEvent {
	return RealtimeEvent{
		Type: RealtimeItemCreate,
		Item: &RealtimeItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// NewSystemMessage 构造一条系统文本条目
func NewSystemMessage(text string) RealtimeEvent {
	return RealtimeEvent{
		Type: RealtimeItemCreate,
		Item: &RealtimeItem{
			Type:    "message",
			Role:    "system",
			Content: []RealtimeContent{{Type: "input_text", Text: text}},
		},
	}
}

// NewResponseCreate 请求模型生成回复
func NewResponseCreate() RealtimeEvent {
	return RealtimeEvent{Type: RealtimeResponseCreate}
}
