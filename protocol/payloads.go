package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload is the closed union of event payloads.
type Payload interface {
	EventType() EventType
	isPayload()
}

// StageTransition reports a run entering a stage or a terminal state.
type StageTransition struct {
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
	Model     string `json:"model"`
	Error     string `json:"error,omitempty"`
}

// LogLine is a free-form log line from the workflow process.
type LogLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ReasoningStep is one reasoning step of the agent. Seq is the step
// index within the stage, independent of the envelope sequence.
type ReasoningStep struct {
	Content string `json:"content"`
	Seq     int    `json:"seq"`
}

// ToolCallPre is emitted before a tool executes.
type ToolCallPre struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ToolCallPost is emitted after a tool executes.
type ToolCallPost struct {
	ToolName   string          `json:"tool_name"`
	Output     json.RawMessage `json:"output,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// File operations reported by file_activity.
const (
	FileOpRead     = "read"
	FileOpModified = "modified"
)

// FileActivity reports a file read or modification.
type FileActivity struct {
	Path         string `json:"path"`
	Operation    string `json:"operation"`
	Diff         string `json:"diff,omitempty"`
	LinesAdded   int    `json:"lines_added,omitempty"`
	LinesRemoved int    `json:"lines_removed,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// SummaryUpdate carries an asynchronously produced summary.
type SummaryUpdate struct {
	Scope   string `json:"scope"`
	Content string `json:"content"`
}

// Heartbeat is broadcast on a fixed interval.
type Heartbeat struct {
	Connections int `json:"connections"`
}

// Unknown wraps an event whose type is not part of the closed set.
type Unknown struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw"`
}

func (StageTransition) EventType() EventType { return EventStageTransition }
func (LogLine) EventType() EventType         { return EventLogLine }
func (ReasoningStep) EventType() EventType   { return EventReasoningStep }
func (ToolCallPre) EventType() EventType     { return EventToolCallPre }
func (ToolCallPost) EventType() EventType    { return EventToolCallPost }
func (FileActivity) EventType() EventType    { return EventFileActivity }
func (SummaryUpdate) EventType() EventType   { return EventSummaryUpdate }
func (Heartbeat) EventType() EventType       { return EventHeartbeat }
func (u Unknown) EventType() EventType       { return EventType(u.Type) }

func (StageTransition) isPayload() {}
func (LogLine) isPayload()         {}
func (ReasoningStep) isPayload()   {}
func (ToolCallPre) isPayload()     {}
func (ToolCallPost) isPayload()    {}
func (FileActivity) isPayload()    {}
func (SummaryUpdate) isPayload()   {}
func (Heartbeat) isPayload()       {}
func (Unknown) isPayload()         {}

func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case EventStageTransition:
		var v StageTransition
		err = unmarshalPayload(raw, &v)
		p = &v
	case EventLogLine:
		var v LogLine
		err = unmarshalPayload(raw, &v)
		p = &v
	case EventReasoningStep:
		var v ReasoningStep
		err = unmarshalPayload(raw, &v)
		p = &v
	case EventToolCallPre:
		var v ToolCallPre
		err = unmarshalPayload(raw, &v)
		p = &v
	case EventToolCallPost:
		var v ToolCallPost
		err = unmarshalPayload(raw, &v)
		p = &v
	case EventFileActivity:
		var v FileActivity
		err = unmarshalPayload(raw, &v)
		p = &v
	case EventSummaryUpdate:
		var v SummaryUpdate
		err = unmarshalPayload(raw, &v)
		p = &v
	case EventHeartbeat:
		var v Heartbeat
		err = unmarshalPayload(raw, &v)
		p = &v
	default:
		return &Unknown{Type: string(t), Raw: raw}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", t, err)
	}
	return p, nil
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
