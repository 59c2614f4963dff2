package domain

import (
	"time"

	"github.com/kvnkishore11/agentickanban/protocol"
)

// Run is one execution of a staged workflow for one task. It is mutated only
// by the orchestrator driver that owns it.
type Run struct {
	RunID          string
	TaskID         string
	ParentRunID    string
	IdempotencyKey string
	QueuedStages   []Stage
	StageModels    map[Stage]string
	StageStates    map[Stage]SubState
	CurrentStage   Stage
	Completed      bool
	Errored        bool
	ErrorMessage   string
	Progress       StageProgress
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ArchivedAt     *time.Time
}

// StageProgress is within-stage telemetry derived from hook callbacks.
type StageProgress struct {
	Stage        Stage     `json:"stage"`
	ToolCalls    int       `json:"tool_calls"`
	FilesTouched int       `json:"files_touched"`
	LastActivity time.Time `json:"last_activity"`
	LastStep     string    `json:"last_step,omitempty"`
}

// Terminal reports whether the run reached completed or errored.
func (r *Run) Terminal() bool {
	return r.Completed || r.Errored
}

// Clone returns a deep copy safe to hand to readers.
func (r *Run) Clone() *Run {
	out := *r
	out.QueuedStages = append([]Stage(nil), r.QueuedStages...)
	out.StageModels = make(map[Stage]string, len(r.StageModels))
	for k, v := range r.StageModels {
		out.StageModels[k] = v
	}
	out.StageStates = make(map[Stage]SubState, len(r.StageStates))
	for k, v := range r.StageStates {
		out.StageStates[k] = v
	}
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		out.ArchivedAt = &t
	}
	return &out
}

// View converts the run to its wire representation.
func (r *Run) View() protocol.RunView {
	view := protocol.RunView{
		RunID:        r.RunID,
		TaskID:       r.TaskID,
		ParentRunID:  r.ParentRunID,
		QueuedStages: make([]string, len(r.QueuedStages)),
		StageModels:  make(map[string]string, len(r.StageModels)),
		StageStates:  make(map[string]string, len(r.StageStates)),
		CurrentStage: string(r.CurrentStage),
		Completed:    r.Completed,
		Errored:      r.Errored,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	for i, s := range r.QueuedStages {
		view.QueuedStages[i] = string(s)
	}
	for k, v := range r.StageModels {
		view.StageModels[string(k)] = v
	}
	for k, v := range r.StageStates {
		view.StageStates[string(k)] = string(v)
	}
	return view
}
