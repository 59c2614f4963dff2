package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventRoundTripsTypedPayload(t *testing.T) {
	evt, err := NewEvent("run_1", "T1", StageTransition{FromStage: "", ToStage: "plan", Model: "opus"})
	require.NoError(t, err)
	evt.Seq = 1

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	got, payload, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventStageTransition, got.Type)
	assert.Equal(t, "run_1", got.RunID)
	assert.Equal(t, "T1", got.TaskID)
	assert.Equal(t, int64(1), got.Seq)

	st, ok := payload.(*StageTransition)
	require.True(t, ok, "expected *StageTransition, got %T", payload)
	assert.Equal(t, "plan", st.ToStage)
	assert.Equal(t, "opus", st.Model)
}

func TestDecodeEventUnknownTypeIsNotAnError(t *testing.T) {
	raw := []byte(`{"type":"agent_mood","run_id":"r1","seq":3,"payload":{"mood":"happy"}}`)

	evt, payload, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, EventType("agent_mood"), evt.Type)

	unknown, ok := payload.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "agent_mood", unknown.Type)
	assert.JSONEq(t, string(raw), string(unknown.Raw))
}

func TestDecodeEventRejectsMalformedInput(t *testing.T) {
	_, _, err := DecodeEvent([]byte(`{"type":`))
	assert.Error(t, err)

	_, _, err = DecodeEvent([]byte(`{"run_id":"r1"}`))
	assert.Error(t, err)

	_, _, err = DecodeEvent([]byte(`{"type":"log_line","payload":{"level":7}}`))
	assert.Error(t, err)
}

func TestDecodeEventEveryKnownType(t *testing.T) {
	cases := []struct {
		payload Payload
		want    interface{}
	}{
		{LogLine{Level: "info", Message: "hi"}, &LogLine{}},
		{ReasoningStep{Content: "think", Seq: 2}, &ReasoningStep{}},
		{ToolCallPre{ToolName: "Read", Input: json.RawMessage(`{"file_path":"a.py"}`)}, &ToolCallPre{}},
		{ToolCallPost{ToolName: "Read", Success: true, DurationMs: 12}, &ToolCallPost{}},
		{FileActivity{Path: "a.py", Operation: FileOpRead}, &FileActivity{}},
		{SummaryUpdate{Scope: "file:a.py", Content: "x"}, &SummaryUpdate{}},
		{Heartbeat{Connections: 4}, &Heartbeat{}},
	}

	for _, tc := range cases {
		evt, err := NewEvent("r1", "t1", tc.payload)
		require.NoError(t, err)
		data, err := json.Marshal(evt)
		require.NoError(t, err)

		_, payload, err := DecodeEvent(data)
		require.NoError(t, err)
		assert.IsType(t, tc.want, payload)
		assert.Equal(t, tc.payload.EventType(), payload.EventType())
	}
}

func TestFingerprint(t *testing.T) {
	evt := &Event{Type: EventLogLine, RunID: "r1", Seq: 42}
	assert.Equal(t, "log_line|r1|42", evt.Fingerprint())
}

func TestRunScoped(t *testing.T) {
	assert.False(t, EventHeartbeat.RunScoped())
	assert.True(t, EventFileActivity.RunScoped())
	assert.True(t, IsEventType("summary_update"))
	assert.False(t, IsEventType("hello"))
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"ack","request_id":"req_1","accepted":true}`))
	require.NoError(t, err)
	assert.Equal(t, TypeAck, typ)
	assert.True(t, IsControlType(typ))

	_, err = PeekType([]byte(`not json`))
	assert.Error(t, err)
}

func TestTriggerRunMessageFlattensRequest(t *testing.T) {
	msg := TriggerRunMessage{
		BaseMessage: BaseMessage{Type: TypeTriggerRun, RequestID: "req_1"},
		TriggerRequest: TriggerRequest{
			TaskID:         "T1",
			WorkflowStages: []string{"plan", "build"},
			IdempotencyKey: "key-1",
		},
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "trigger_run", flat["type"])
	assert.Equal(t, "T1", flat["task_id"])
	assert.Equal(t, "key-1", flat["idempotency_key"])
}
