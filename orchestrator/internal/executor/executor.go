// Package executor runs workflow stages and reports their telemetry through
// a hook dispatcher.
package executor

import (
	"context"
	"errors"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
)

// ErrStageFailed wraps failures reported by the workflow process.
var ErrStageFailed = errors.New("stage failed")

// StageExecutor executes one stage. It must call the dispatcher at each
// step and return once the stage finished.
type StageExecutor interface {
	RunStage(ctx context.Context, req domain.StageRequest, d *hooks.Dispatcher) error
}

// ResultReporter accepts stage results from an out-of-process workflow.
type ResultReporter interface {
	Report(runID string, stage domain.Stage, success bool, message string) error
}
