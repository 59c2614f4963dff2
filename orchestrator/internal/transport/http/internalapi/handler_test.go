package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/config"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/executor"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/policy"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/service"
	"github.com/kvnkishore11/agentickanban/orchestrator/tests/helpers"
	"github.com/kvnkishore11/agentickanban/protocol"
)

func newTestHandler(t *testing.T, exec executor.StageExecutor) (*Handler, *service.Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	db := helpers.NewTestSQLiteStore(t)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	cfg := &config.Config{
		OutboxSize:     64,
		Workflow:       config.DefaultWorkflow(),
		StageTimeout:   5 * time.Second,
		IdempotencyTTL: time.Hour,
	}
	svc := service.New(cfg, service.Deps{Store: db, Executor: exec, Classifier: engine})
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})
	return NewHandler(svc), svc
}

func newContext(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func trigger(t *testing.T, h *Handler, body string) (*httptest.ResponseRecorder, protocol.TriggerResponse) {
	t.Helper()
	c, rec := newContext(echo.New(), http.MethodPost, "/internal/runs", body)
	if err := h.TriggerRun(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var resp protocol.TriggerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, resp
}

func waitCompleted(t *testing.T, svc *service.Service, runID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := svc.GetRun(context.Background(), runID)
		return err == nil && run.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTriggerRunStatuses(t *testing.T) {
	h, svc := newTestHandler(t, executor.NewScripted(0))

	body := `{"task_id":"T1","workflow_stages":["plan","build"],"idempotency_key":"k1"}`
	rec, resp := trigger(t, h, body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Accepted)
	require.NotEmpty(t, resp.RunID)

	rec, dup := trigger(t, h, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, dup.Accepted)
	assert.Equal(t, protocol.ErrorCodeDuplicateTrigger, dup.Code)
	assert.Equal(t, resp.RunID, dup.RunID)

	rec, bad := trigger(t, h, `{"task_id":"T1","workflow_stages":["deploy"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, protocol.ErrorCodeInvalidTrigger, bad.Code)

	waitCompleted(t, svc, resp.RunID)
}

func TestSnapshotAndEvents(t *testing.T) {
	h, svc := newTestHandler(t, executor.NewScripted(0))
	e := echo.New()

	_, resp := trigger(t, h, `{"task_id":"T1","workflow_stages":["plan"]}`)
	waitCompleted(t, svc, resp.RunID)

	c, rec := newContext(e, http.MethodGet, "/internal/runs/"+resp.RunID, "")
	c.SetParamNames("run_id")
	c.SetParamValues(resp.RunID)
	require.NoError(t, h.GetSnapshot(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap protocol.RunSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "completed", snap.Run.CurrentStage)
	assert.True(t, snap.LastSeq > 2)

	c, rec = newContext(e, http.MethodGet, "/internal/runs/"+resp.RunID+"/events?after_seq=1&limit=2", "")
	c.SetParamNames("run_id")
	c.SetParamValues(resp.RunID)
	require.NoError(t, h.GetRunEvents(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var events EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events.Events, 2)
	assert.Equal(t, int64(2), events.Events[0].Seq)
	assert.Equal(t, int64(3), events.LastSeq)

	c, rec = newContext(e, http.MethodGet, "/internal/runs/"+resp.RunID+"/events?after_seq=-4", "")
	c.SetParamNames("run_id")
	c.SetParamValues(resp.RunID)
	require.NoError(t, h.GetRunEvents(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newContext(e, http.MethodGet, "/internal/runs/run_missing", "")
	c.SetParamNames("run_id")
	c.SetParamValues("run_missing")
	require.NoError(t, h.GetSnapshot(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestReportErrorEndpoint(t *testing.T) {
	h, svc := newTestHandler(t, executor.NewExternal())
	e := echo.New()

	_, resp := trigger(t, h, `{"task_id":"T1","workflow_stages":["plan"]}`)

	for i := 0; i < 2; i++ {
		c, rec := newContext(e, http.MethodPost, "/internal/runs/"+resp.RunID+"/error", `{"message":"stop"}`)
		c.SetParamNames("run_id")
		c.SetParamValues(resp.RunID)
		require.NoError(t, h.ReportError(c))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"run_id":"`+resp.RunID+`","errored":true}`, rec.Body.String())
	}

	run, err := svc.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, "stop", run.ErrorMessage)
}

func TestWorkerEndpoints(t *testing.T) {
	h, svc := newTestHandler(t, executor.NewExternal())
	e := echo.New()

	_, resp := trigger(t, h, `{"task_id":"T1","workflow_stages":["plan"]}`)
	require.Eventually(t, func() bool {
		run, err := svc.GetRun(context.Background(), resp.RunID)
		return err == nil && run.StageStates[domain.StagePlan] == domain.SubStateRunning
	}, 5*time.Second, 5*time.Millisecond)

	hook := `{"point":"after_tool_call","tool_name":"Write","input":{"file_path":"x.py","content":"print(1)\n"},"success":true,"duration_ms":12}`
	c, rec := newContext(e, http.MethodPost, "/internal/runs/"+resp.RunID+"/hooks", hook)
	c.SetParamNames("run_id")
	c.SetParamValues(resp.RunID)
	require.NoError(t, h.FireHook(c))
	require.Equal(t, http.StatusOK, rec.Code)

	c, rec = newContext(e, http.MethodPost, "/internal/runs/"+resp.RunID+"/hooks", `{"point":"on_exit"}`)
	c.SetParamNames("run_id")
	c.SetParamValues(resp.RunID)
	require.NoError(t, h.FireHook(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newContext(e, http.MethodPost, "/internal/runs/"+resp.RunID+"/stages/plan/result", `{"success":true}`)
	c.SetParamNames("run_id", "stage")
	c.SetParamValues(resp.RunID, "plan")
	require.NoError(t, h.ReportStageResult(c))
	require.Equal(t, http.StatusOK, rec.Code)

	waitCompleted(t, svc, resp.RunID)
	snap, err := svc.Snapshot(context.Background(), resp.RunID)
	require.NoError(t, err)
	require.Len(t, snap.Files, 1)
	assert.Equal(t, "x.py", snap.Files[0].Path)
	assert.Equal(t, 1, snap.Files[0].LinesAdded)

	c, rec = newContext(e, http.MethodPost, "/internal/runs/"+resp.RunID+"/stages/ship/result", `{"success":true}`)
	c.SetParamNames("run_id", "stage")
	c.SetParamValues(resp.RunID, "ship")
	require.NoError(t, h.ReportStageResult(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
