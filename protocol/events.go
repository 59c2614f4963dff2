// Package protocol defines the wire format shared by the orchestrator, ingress and clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventType identifies the kind of an event envelope.
type EventType string

// Event types broadcast about a run.
const (
	EventStageTransition EventType = "stage_transition"
	EventLogLine         EventType = "log_line"
	EventReasoningStep   EventType = "reasoning_step"
	EventToolCallPre     EventType = "tool_call_pre"
	EventToolCallPost    EventType = "tool_call_post"
	EventFileActivity    EventType = "file_activity"
	EventSummaryUpdate   EventType = "summary_update"
	EventHeartbeat       EventType = "heartbeat"
)

// eventTypes is the closed set of known event types.
var eventTypes = map[EventType]bool{
	EventStageTransition: true,
	EventLogLine:         true,
	EventReasoningStep:   true,
	EventToolCallPre:     true,
	EventToolCallPost:    true,
	EventFileActivity:    true,
	EventSummaryUpdate:   true,
	EventHeartbeat:       true,
}

// IsEventType reports whether t names a known event type.
func IsEventType(t string) bool {
	return eventTypes[EventType(t)]
}

// RunScoped reports whether events of this type must carry a run id.
func (t EventType) RunScoped() bool {
	return t != EventHeartbeat
}

// Event is the envelope of every message describing a run.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id"`
	Seq       int64           `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent builds an envelope around a typed payload. The timestamp is left
// zero so the router can stamp it on first fan-out.
func NewEvent(runID, taskID string, payload Payload) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", payload.EventType(), err)
	}
	return &Event{
		Type:    payload.EventType(),
		RunID:   runID,
		TaskID:  taskID,
		Payload: data,
	}, nil
}

// Fingerprint identifies an event for exact-duplicate detection.
func (e *Event) Fingerprint() string {
	return string(e.Type) + "|" + e.RunID + "|" + strconv.FormatInt(e.Seq, 10)
}

// Decode returns the typed payload carried by the envelope.
func (e *Event) Decode() (Payload, error) {
	return decodePayload(e.Type, e.Payload)
}

// DecodeEvent parses raw bytes into an envelope and its typed payload.
// Unknown event types decode to *Unknown instead of failing.
func DecodeEvent(raw []byte) (*Event, Payload, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, nil, fmt.Errorf("invalid event envelope: %w", err)
	}
	if evt.Type == "" {
		return nil, nil, fmt.Errorf("invalid event envelope: missing type")
	}
	if !eventTypes[evt.Type] {
		return &evt, &Unknown{Type: string(evt.Type), Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	payload, err := evt.Decode()
	if err != nil {
		return nil, nil, err
	}
	return &evt, payload, nil
}

// PeekType reads only the type discriminator of a frame.
func PeekType(raw []byte) (string, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return "", err
	}
	return base.Type, nil
}
