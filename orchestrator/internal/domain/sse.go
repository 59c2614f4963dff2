package domain

import "encoding/json"

// SSE event names emitted by a stage worker.
const (
	WorkerEventToolCallPre   = "tool_call_pre"
	WorkerEventToolCallPost  = "tool_call_post"
	WorkerEventReasoningStep = "reasoning_step"
	WorkerEventTextChunk     = "text_chunk"
	WorkerEventDone          = "done"
	WorkerEventError         = "error"
)

// WorkerSSEEvent represents an SSE event from a stage worker.
type WorkerSSEEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ToolCallEventData is the data of tool_call_pre and tool_call_post events.
type ToolCallEventData struct {
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ReasoningEventData is the data of a reasoning_step event.
type ReasoningEventData struct {
	Content string `json:"content"`
	Seq     int    `json:"seq"`
}

// TextChunkEventData is the data of a text_chunk event.
type TextChunkEventData struct {
	Text string `json:"text"`
}

// DoneEventData is the data for a done SSE event.
type DoneEventData struct {
	Usage   *UsageData `json:"usage,omitempty"`
	Summary string     `json:"summary,omitempty"`
}

// UsageData represents token usage information.
type UsageData struct {
	TotalTokens      int `json:"total_tokens,omitempty"`
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	DurationMs       int `json:"duration_ms,omitempty"`
}

// ErrorEventData is the data for an error SSE event.
type ErrorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
