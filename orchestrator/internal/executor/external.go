package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
)

type stageResult struct {
	success bool
	message string
}

func (r stageResult) err() error {
	if r.success {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrStageFailed, r.message)
}

// External waits for an out-of-process workflow to report each stage's
// result. Telemetry arrives separately through the hook endpoint.
type External struct {
	mu      sync.Mutex
	waiters map[string]chan stageResult
	early   map[string]stageResult
}

// NewExternal creates an external executor.
func NewExternal() *External {
	return &External{
		waiters: make(map[string]chan stageResult),
		early:   make(map[string]stageResult),
	}
}

func resultKey(runID string, stage domain.Stage) string {
	return runID + "/" + string(stage)
}

// RunStage blocks until the stage result is reported or ctx ends.
func (e *External) RunStage(ctx context.Context, req domain.StageRequest, d *hooks.Dispatcher) error {
	key := resultKey(req.RunID, req.Stage)

	e.mu.Lock()
	if r, ok := e.early[key]; ok {
		delete(e.early, key)
		e.mu.Unlock()
		return r.err()
	}
	ch := make(chan stageResult, 1)
	e.waiters[key] = ch
	e.mu.Unlock()

	select {
	case r := <-ch:
		return r.err()
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.waiters, key)
		e.mu.Unlock()
		return ctx.Err()
	}
}

// Report delivers a stage result. A result that arrives before the stage
// starts waiting is kept until it does.
func (e *External) Report(runID string, stage domain.Stage, success bool, message string) error {
	r := stageResult{success: success, message: message}
	key := resultKey(runID, stage)

	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.waiters[key]; ok {
		delete(e.waiters, key)
		ch <- r
		return nil
	}
	if _, dup := e.early[key]; dup {
		return fmt.Errorf("result for %s already reported", key)
	}
	e.early[key] = r
	return nil
}

// Forget drops results buffered for a run that will never wait for them.
func (e *External) Forget(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range domain.Pipeline {
		delete(e.early, resultKey(runID, s))
	}
}
