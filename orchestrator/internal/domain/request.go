package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTrigger wraps every trigger validation failure.
var ErrInvalidTrigger = errors.New("invalid trigger")

// NormalizeStages validates stage names, removes duplicates and returns them
// in canonical pipeline order.
func NormalizeStages(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: workflow_stages must not be empty", ErrInvalidTrigger)
	}

	seen := make(map[Stage]bool, len(names))
	for _, name := range names {
		stage, err := ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		seen[stage] = true
	}

	stages := make([]Stage, 0, len(seen))
	for _, s := range Pipeline {
		if seen[s] {
			stages = append(stages, s)
		}
	}
	return stages, nil
}

// ParseStageModels validates a per-run override map.
func ParseStageModels(raw map[string]string) (map[Stage]string, error) {
	out := make(map[Stage]string, len(raw))
	for name, model := range raw {
		stage, err := ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("%w: stage_models: %v", ErrInvalidTrigger, err)
		}
		if model != "" {
			out[stage] = model
		}
	}
	return out, nil
}

// StageRequest asks a workflow process to execute one stage of a run.
type StageRequest struct {
	RunID       string `json:"run_id"`
	TaskID      string `json:"task_id"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	Stage       Stage  `json:"stage"`
	Model       string `json:"model"`
}
