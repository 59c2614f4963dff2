package protocol

import "time"

// Control message types from client to ingress.
const (
	TypeHello      = "hello"
	TypeTriggerRun = "trigger_run"
	TypeResync     = "resync"
	TypeCancelRun  = "cancel_run"
)

// Control message types from ingress to client.
const (
	TypeHelloAck = "hello_ack"
	TypeAck      = "ack"
	TypeError    = "error"
)

// Error codes carried by ack and error frames.
const (
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeSessionRequired  = "session_required"
	ErrorCodeOrchestratorFail = "orchestrator_fail"
	ErrorCodeDuplicateTrigger = "duplicate_trigger"
	ErrorCodeInvalidTrigger   = "invalid_trigger"
	ErrorCodeRunNotFound      = "run_not_found"
)

// BaseMessage contains common fields for control messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
}

// HelloMessage opens a session. Resume maps run ids to the highest sequence
// the client has applied so ingress can replay what was missed.
type HelloMessage struct {
	BaseMessage
	ClientID string           `json:"client_id,omitempty"`
	APIKey   string           `json:"api_key,omitempty"`
	Resume   map[string]int64 `json:"resume,omitempty"`
}

// HelloAckMessage confirms the handshake.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID        string `json:"connection_id"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
}

// TriggerRequest asks the orchestrator to start a run.
type TriggerRequest struct {
	TaskID         string            `json:"task_id"`
	WorkflowStages []string          `json:"workflow_stages"`
	StageModels    map[string]string `json:"stage_models,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	PatchOf        string            `json:"patch_of,omitempty"`
}

// TriggerResponse answers a trigger request.
type TriggerResponse struct {
	Accepted bool   `json:"accepted"`
	RunID    string `json:"run_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TriggerRunMessage is the websocket form of a trigger request.
type TriggerRunMessage struct {
	BaseMessage
	TriggerRequest
}

// ResyncMessage asks for a full snapshot of a run.
type ResyncMessage struct {
	BaseMessage
	RunID string `json:"run_id"`
}

// CancelRunMessage asks the orchestrator to mark a run errored.
type CancelRunMessage struct {
	BaseMessage
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// AckMessage resolves a client request identified by RequestID.
type AckMessage struct {
	BaseMessage
	Accepted bool         `json:"accepted"`
	RunID    string       `json:"run_id,omitempty"`
	Code     string       `json:"code,omitempty"`
	Error    string       `json:"error,omitempty"`
	Snapshot *RunSnapshot `json:"snapshot,omitempty"`
}

// ErrorMessage reports a protocol error not tied to a request.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunView is the externally visible state of a run.
type RunView struct {
	RunID        string            `json:"run_id"`
	TaskID       string            `json:"task_id"`
	ParentRunID  string            `json:"parent_run_id,omitempty"`
	QueuedStages []string          `json:"queued_stages"`
	StageModels  map[string]string `json:"stage_models,omitempty"`
	StageStates  map[string]string `json:"stage_states,omitempty"`
	CurrentStage string            `json:"current_stage"`
	Completed    bool              `json:"completed"`
	Errored      bool              `json:"errored"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// FileRecord is the latest known activity for a path within a run.
type FileRecord struct {
	Path         string    `json:"path"`
	Operation    string    `json:"operation"`
	Diff         string    `json:"diff,omitempty"`
	LinesAdded   int       `json:"lines_added,omitempty"`
	LinesRemoved int       `json:"lines_removed,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RunSnapshot is the full state of a run used to resynchronize a client.
type RunSnapshot struct {
	Run     RunView      `json:"run"`
	Files   []FileRecord `json:"files"`
	LastSeq int64        `json:"last_seq"`
}

// OpenFileRequest is issued to the IDE integration to open a file.
type OpenFileRequest struct {
	FilePath   string `json:"file_path"`
	LineNumber int    `json:"line_number,omitempty"`
}

// IsControlType reports whether t is a server-to-client control frame.
func IsControlType(t string) bool {
	switch t {
	case TypeHelloAck, TypeAck, TypeError:
		return true
	}
	return false
}
