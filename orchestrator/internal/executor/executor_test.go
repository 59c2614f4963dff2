package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
)

type firedHook struct {
	point domain.HookPoint
	hc    hooks.Context
}

func recordingDispatcher() (*hooks.Dispatcher, *[]firedHook, *sync.Mutex) {
	d := hooks.NewDispatcher()
	var mu sync.Mutex
	fired := []firedHook{}
	for _, p := range []domain.HookPoint{domain.HookBeforeToolCall, domain.HookAfterToolCall, domain.HookReasoningStep, domain.HookTextChunk} {
		point := p
		d.Register(point, "recorder", func(ctx context.Context, hc hooks.Context) error {
			mu.Lock()
			fired = append(fired, firedHook{point: point, hc: hc})
			mu.Unlock()
			return nil
		})
	}
	return d, &fired, &mu
}

func TestScriptedFiresHooksPerStage(t *testing.T) {
	d, fired, _ := recordingDispatcher()
	req := domain.StageRequest{RunID: "r1", TaskID: "T1", Stage: domain.StageBuild, Model: "opus"}

	require.NoError(t, NewScripted(0).RunStage(context.Background(), req, d))

	require.NotEmpty(t, *fired)
	assert.Equal(t, domain.HookReasoningStep, (*fired)[0].point)
	assert.Equal(t, domain.HookTextChunk, (*fired)[len(*fired)-1].point)

	var edits int
	for _, f := range *fired {
		assert.Equal(t, "r1", f.hc.RunID)
		assert.Equal(t, domain.StageBuild, f.hc.Stage)
		if f.point == domain.HookAfterToolCall && f.hc.ToolName == "Edit" {
			edits++
			assert.True(t, f.hc.Success)
		}
	}
	assert.Equal(t, 1, edits)
}

func TestScriptedFailureAndCancellation(t *testing.T) {
	d := hooks.NewDispatcher()
	s := &Scripted{Fail: map[domain.Stage]string{domain.StageTest: "tests red"}}

	err := s.RunStage(context.Background(), domain.StageRequest{RunID: "r1", Stage: domain.StageTest}, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStageFailed))
	assert.Contains(t, err.Error(), "tests red")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewScripted(time.Hour).RunStage(ctx, domain.StageRequest{RunID: "r1", Stage: domain.StagePlan}, d)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoteReplaysWorkerStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: reasoning_step\ndata: {\"content\":\"look\",\"seq\":1}\n\n")
		fmt.Fprint(w, "event: tool_call_pre\ndata: {\"tool_name\":\"Read\",\"input\":{\"file_path\":\"a.py\"}}\n\n")
		fmt.Fprint(w, "event: tool_call_post\ndata: {\"tool_name\":\"Read\",\"success\":true,\"duration_ms\":5}\n\n")
		fmt.Fprint(w, "event: text_chunk\ndata: {\"text\":\"done\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer server.Close()

	d, fired, _ := recordingDispatcher()
	err := NewRemote(server.URL, time.Second).RunStage(context.Background(), domain.StageRequest{RunID: "r1", Stage: domain.StagePlan, Model: "opus"}, d)
	require.NoError(t, err)

	require.Len(t, *fired, 4)
	assert.Equal(t, domain.HookReasoningStep, (*fired)[0].point)
	assert.Equal(t, domain.HookBeforeToolCall, (*fired)[1].point)
	assert.Equal(t, domain.HookAfterToolCall, (*fired)[2].point)
	assert.Equal(t, 5*time.Millisecond, (*fired)[2].hc.Duration)
	assert.Equal(t, "done", (*fired)[3].hc.Content)
}

func TestRemoteWorkerErrorAndTruncatedStream(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"code\":\"agent_crash\",\"message\":\"segfault\"}\n\n")
	}))
	defer failing.Close()

	err := NewRemote(failing.URL, time.Second).RunStage(context.Background(), domain.StageRequest{RunID: "r1"}, hooks.NewDispatcher())
	require.ErrorIs(t, err, ErrStageFailed)
	assert.Contains(t, err.Error(), "segfault")

	truncated := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: text_chunk\ndata: {\"text\":\"partial\"}\n\n")
	}))
	defer truncated.Close()

	err = NewRemote(truncated.URL, time.Second).RunStage(context.Background(), domain.StageRequest{RunID: "r1"}, hooks.NewDispatcher())
	require.ErrorIs(t, err, ErrStageFailed)
}

func TestExternalWaitsForReport(t *testing.T) {
	e := NewExternal()
	req := domain.StageRequest{RunID: "r1", Stage: domain.StageReview}

	errCh := make(chan error, 1)
	go func() { errCh <- e.RunStage(context.Background(), req, hooks.NewDispatcher()) }()

	// Wait for the stage to start waiting.
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, ok := e.waiters[resultKey("r1", domain.StageReview)]
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Report("r1", domain.StageReview, false, "changes requested"))
	err := <-errCh
	require.ErrorIs(t, err, ErrStageFailed)
	assert.Contains(t, err.Error(), "changes requested")
}

func TestExternalEarlyReport(t *testing.T) {
	e := NewExternal()
	require.NoError(t, e.Report("r1", domain.StagePlan, true, ""))
	assert.Error(t, e.Report("r1", domain.StagePlan, true, ""))

	err := e.RunStage(context.Background(), domain.StageRequest{RunID: "r1", Stage: domain.StagePlan}, hooks.NewDispatcher())
	assert.NoError(t, err)

	require.NoError(t, e.Report("r2", domain.StageBuild, true, ""))
	e.Forget("r2")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = e.RunStage(ctx, domain.StageRequest{RunID: "r2", Stage: domain.StageBuild}, hooks.NewDispatcher())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
