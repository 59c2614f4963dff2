package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/adapter/agentclient"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
)

// Remote runs stages on a worker reachable over HTTP and replays its SSE
// telemetry into the dispatcher.
type Remote struct {
	client   *agentclient.Client
	endpoint string
}

// NewRemote creates a remote executor.
func NewRemote(endpoint string, timeout time.Duration) *Remote {
	return &Remote{client: agentclient.NewClient(timeout), endpoint: endpoint}
}

// RunStage streams one stage from the worker.
func (r *Remote) RunStage(ctx context.Context, req domain.StageRequest, d *hooks.Dispatcher) error {
	base := hooks.Context{RunID: req.RunID, TaskID: req.TaskID, Stage: req.Stage, Model: req.Model}
	done := false
	var stageErr error

	err := r.client.RunStage(ctx, r.endpoint, &req, func(event agentclient.SSEEvent) error {
		switch event.Event {
		case domain.WorkerEventToolCallPre, domain.WorkerEventToolCallPost:
			data, err := agentclient.ParseToolCallEvent(event.Data)
			if err != nil {
				return err
			}
			hc := base
			hc.ToolName = data.ToolName
			hc.Input = data.Input
			point := domain.HookBeforeToolCall
			if event.Event == domain.WorkerEventToolCallPost {
				point = domain.HookAfterToolCall
				hc.Output = data.Output
				hc.Success = data.Success
				hc.Error = data.Error
				hc.Duration = time.Duration(data.DurationMs) * time.Millisecond
			}
			d.Fire(ctx, point, hc)

		case domain.WorkerEventReasoningStep:
			data, err := agentclient.ParseReasoningEvent(event.Data)
			if err != nil {
				return err
			}
			hc := base
			hc.Content = data.Content
			hc.StepSeq = data.Seq
			d.Fire(ctx, domain.HookReasoningStep, hc)

		case domain.WorkerEventTextChunk:
			data, err := agentclient.ParseTextChunkEvent(event.Data)
			if err != nil {
				return err
			}
			hc := base
			hc.Content = data.Text
			d.Fire(ctx, domain.HookTextChunk, hc)

		case domain.WorkerEventDone:
			done = true

		case domain.WorkerEventError:
			data, err := agentclient.ParseErrorEvent(event.Data)
			if err != nil {
				return err
			}
			stageErr = fmt.Errorf("%w: %s: %s", ErrStageFailed, data.Code, data.Message)
			return stageErr
		}
		return nil
	})
	if stageErr != nil {
		return stageErr
	}
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("%w: worker stream ended without done", ErrStageFailed)
	}
	return nil
}
