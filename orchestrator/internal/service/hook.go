package service

import (
	"context"
	"fmt"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// newDispatcher registers the telemetry callbacks of one run. Every callback
// turns a hook into exactly one event; the file tracker adds its own
// file_activity events after tool calls.
func (s *Service) newDispatcher(rs *runState) *hooks.Dispatcher {
	d := hooks.NewDispatcher()
	run := rs.run
	emit := func(ctx context.Context, payload protocol.Payload) {
		s.emit(ctx, run.RunID, run.TaskID, payload)
	}

	d.Register(domain.HookBeforeToolCall, "telemetry", func(ctx context.Context, hc hooks.Context) error {
		s.touch(rs, func(p *domain.StageProgress) {})
		emit(ctx, protocol.ToolCallPre{ToolName: hc.ToolName, Input: hc.Input})
		return nil
	})
	d.Register(domain.HookAfterToolCall, "telemetry", func(ctx context.Context, hc hooks.Context) error {
		s.touch(rs, func(p *domain.StageProgress) { p.ToolCalls++ })
		emit(ctx, protocol.ToolCallPost{
			ToolName:   hc.ToolName,
			Output:     hc.Output,
			Success:    hc.Success,
			Error:      hc.Error,
			DurationMs: hc.Duration.Milliseconds(),
		})
		return nil
	})
	d.Register(domain.HookAfterToolCall, "file_tracker", s.tracker.Hook(emit))
	d.Register(domain.HookReasoningStep, "telemetry", func(ctx context.Context, hc hooks.Context) error {
		s.touch(rs, func(p *domain.StageProgress) { p.LastStep = hc.Content })
		emit(ctx, protocol.ReasoningStep{Content: hc.Content, Seq: hc.StepSeq})
		return nil
	})
	d.Register(domain.HookTextChunk, "telemetry", func(ctx context.Context, hc hooks.Context) error {
		s.touch(rs, func(p *domain.StageProgress) {})
		emit(ctx, protocol.LogLine{Level: "info", Message: hc.Content})
		return nil
	})
	return d
}

// touch updates in-memory stage progress. Progress is persisted with the
// next stage transition.
func (s *Service) touch(rs *runState, update func(p *domain.StageProgress)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	update(&rs.run.Progress)
	rs.run.Progress.LastActivity = s.now().UTC()
}

// FireHook runs the callbacks of an active run for an externally reported
// hook. It returns how many callbacks failed.
func (s *Service) FireHook(ctx context.Context, runID string, point domain.HookPoint, hc hooks.Context) (int, error) {
	rs := s.activeRun(runID)
	if rs == nil {
		return 0, s.inactiveErr(ctx, runID)
	}

	rs.mu.Lock()
	if rs.run.Terminal() {
		rs.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	hc.RunID = rs.run.RunID
	hc.TaskID = rs.run.TaskID
	if hc.Stage == "" {
		hc.Stage = rs.run.CurrentStage
	}
	if hc.Model == "" {
		hc.Model = rs.run.StageModels[hc.Stage]
	}
	rs.mu.Unlock()

	return rs.dispatcher.Fire(ctx, point, hc), nil
}

// inactiveErr distinguishes an unknown run from a finished one.
func (s *Service) inactiveErr(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
}
