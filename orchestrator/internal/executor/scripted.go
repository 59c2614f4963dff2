package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
)

type scriptedStep struct {
	reasoning string
	tool      string
	input     map[string]interface{}
	output    string
}

var scripts = map[domain.Stage][]scriptedStep{
	domain.StagePlan: {
		{reasoning: "Reading the task description", tool: "Read", input: map[string]interface{}{"file_path": "README.md"}, output: "# Project"},
		{reasoning: "Drafting the implementation plan", tool: "Write", input: map[string]interface{}{"file_path": "PLAN.md", "content": "1. implement\n2. test\n"}},
	},
	domain.StageBuild: {
		{reasoning: "Inspecting the entry point", tool: "Read", input: map[string]interface{}{"file_path": "main.go"}, output: "package main"},
		{reasoning: "Implementing the change", tool: "Edit", input: map[string]interface{}{"file_path": "main.go", "old_string": "package main\n", "new_string": "package main\n\nfunc feature() {}\n"}},
	},
	domain.StageTest: {
		{reasoning: "Running the test suite", tool: "Bash", input: map[string]interface{}{"command": "go test ./..."}, output: "ok"},
	},
	domain.StageReview: {
		{reasoning: "Reviewing the diff", tool: "Read", input: map[string]interface{}{"file_path": "main.go"}, output: "package main"},
	},
	domain.StageDocument: {
		{reasoning: "Updating documentation", tool: "Edit", input: map[string]interface{}{"file_path": "README.md", "old_string": "# Project\n", "new_string": "# Project\n\nAdds feature.\n"}},
	},
	domain.StageMerge: {
		{reasoning: "Merging the branch", tool: "Bash", input: map[string]interface{}{"command": "git merge --no-ff feature"}, output: "merged"},
	},
}

// Scripted plays a fixed telemetry script per stage. It serves local runs
// and tests.
type Scripted struct {
	// StepDelay pauses between steps.
	StepDelay time.Duration
	// Fail makes the named stages fail with the given message.
	Fail map[domain.Stage]string
}

// NewScripted creates a scripted executor.
func NewScripted(stepDelay time.Duration) *Scripted {
	return &Scripted{StepDelay: stepDelay}
}

// RunStage fires the stage's script through d.
func (s *Scripted) RunStage(ctx context.Context, req domain.StageRequest, d *hooks.Dispatcher) error {
	base := hooks.Context{RunID: req.RunID, TaskID: req.TaskID, Stage: req.Stage, Model: req.Model}

	for i, step := range scripts[req.Stage] {
		if err := s.pause(ctx); err != nil {
			return err
		}

		hc := base
		hc.Content = step.reasoning
		hc.StepSeq = i + 1
		d.Fire(ctx, domain.HookReasoningStep, hc)

		if step.tool == "" {
			continue
		}
		input, _ := json.Marshal(step.input)
		hc = base
		hc.ToolName = step.tool
		hc.Input = input
		d.Fire(ctx, domain.HookBeforeToolCall, hc)

		start := time.Now()
		if err := s.pause(ctx); err != nil {
			return err
		}
		if step.output != "" {
			hc.Output, _ = json.Marshal(step.output)
		}
		hc.Success = true
		hc.Duration = time.Since(start)
		d.Fire(ctx, domain.HookAfterToolCall, hc)
	}

	if msg, ok := s.Fail[req.Stage]; ok {
		return fmt.Errorf("%w: %s", ErrStageFailed, msg)
	}

	hc := base
	hc.Content = fmt.Sprintf("%s finished with %s", req.Stage, req.Model)
	d.Fire(ctx, domain.HookTextChunk, hc)
	return nil
}

func (s *Scripted) pause(ctx context.Context) error {
	if s.StepDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
