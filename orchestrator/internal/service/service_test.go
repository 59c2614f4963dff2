package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/adapter/llm"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/config"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/executor"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/policy"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/repository"
	"github.com/kvnkishore11/agentickanban/orchestrator/tests/helpers"
	"github.com/kvnkishore11/agentickanban/protocol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func (p *recordingPublisher) PushEvent(ctx context.Context, event *protocol.Event) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return 1, nil
}

func (p *recordingPublisher) forRun(runID string) []*protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.Event
	for _, e := range p.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		OutboxSize:        256,
		PushRetryInterval: 10 * time.Millisecond,
		Workflow:          config.DefaultWorkflow(),
		StageTimeout:      5 * time.Second,
		DiffTimeout:       time.Second,
		DiffMaxBytes:      16384,
		DiffMaxLines:      400,
		SummaryModel:      "haiku",
		SummaryQueue:      16,
		IdempotencyTTL:    time.Hour,
		EventRetention:    time.Hour,
	}
}

type testEnv struct {
	svc   *Service
	store *store.SQLiteStore
	pub   *recordingPublisher
}

func newTestEnv(t *testing.T, exec executor.StageExecutor, withLLM bool) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	db := helpers.NewTestSQLiteStore(t)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	deps := Deps{
		Store:      db,
		Executor:   exec,
		Classifier: engine,
		Publisher:  pub,
	}
	if withLLM {
		deps.LLM = llm.NewMockClient()
	}
	svc := New(testConfig(), deps)
	require.NoError(t, svc.Start(ctx))

	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})
	return &testEnv{svc: svc, store: db, pub: pub}
}

func waitTerminal(t *testing.T, svc *Service, runID string) *domain.Run {
	t.Helper()
	var run *domain.Run
	require.Eventually(t, func() bool {
		r, err := svc.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Terminal() && svc.activeRun(runID) == nil
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func waitStageRunning(t *testing.T, svc *Service, runID string, stage domain.Stage) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := svc.GetRun(context.Background(), runID)
		return err == nil && r.StageStates[stage] == domain.SubStateRunning
	}, 5*time.Second, 5*time.Millisecond)
}

func transitions(t *testing.T, events []*protocol.Event) []protocol.StageTransition {
	t.Helper()
	var out []protocol.StageTransition
	for _, e := range events {
		if e.Type != protocol.EventStageTransition {
			continue
		}
		var st protocol.StageTransition
		require.NoError(t, json.Unmarshal(e.Payload, &st))
		out = append(out, st)
	}
	return out
}

func recorded(t *testing.T, svc *Service, runID string) []*protocol.Event {
	t.Helper()
	events, err := svc.Events(context.Background(), runID, 0, 0)
	require.NoError(t, err)
	return events
}

func TestTriggerRunsStagesInCanonicalOrder(t *testing.T) {
	env := newTestEnv(t, executor.NewScripted(0), false)
	ctx := context.Background()

	res, err := env.svc.Trigger(ctx, protocol.TriggerRequest{
		TaskID:         "T1",
		WorkflowStages: []string{"test", "plan", "build"},
		StageModels:    map[string]string{"test": "opus"},
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	run := waitTerminal(t, env.svc, res.RunID)
	assert.True(t, run.Completed)
	assert.False(t, run.Errored)
	assert.Equal(t, domain.StageCompleted, run.CurrentStage)
	assert.NotNil(t, run.ArchivedAt)
	for _, stage := range []domain.Stage{domain.StagePlan, domain.StageBuild, domain.StageTest} {
		assert.Equal(t, domain.SubStateCompleted, run.StageStates[stage])
	}

	events := recorded(t, env.svc, res.RunID)
	require.NotEmpty(t, events)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq, "seq must be gap free")
		assert.Equal(t, "T1", e.TaskID)
		assert.False(t, e.Timestamp.IsZero())
	}

	first := transitions(t, events[:1])
	require.Len(t, first, 1)
	assert.Equal(t, protocol.StageTransition{FromStage: "", ToStage: "plan", Model: "opus"}, first[0])

	var path []string
	for _, st := range transitions(t, events) {
		path = append(path, st.ToStage)
	}
	assert.Equal(t, []string{"plan", "build", "test", "completed"}, path)

	sts := transitions(t, events)
	assert.Equal(t, "plan", sts[1].FromStage)
	assert.Equal(t, "opus", sts[2].Model, "per-run override wins over workflow default")

	snap, err := env.svc.Snapshot(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, events[len(events)-1].Seq, snap.LastSeq)
	assert.Equal(t, "completed", snap.Run.CurrentStage)

	byPath := map[string]protocol.FileRecord{}
	for _, f := range snap.Files {
		byPath[f.Path] = f
	}
	require.Contains(t, byPath, "main.go")
	assert.Equal(t, protocol.FileOpModified, byPath["main.go"].Operation)
	assert.Equal(t, 2, byPath["main.go"].LinesAdded)
	assert.Equal(t, protocol.FileOpRead, byPath["README.md"].Operation)
	assert.Equal(t, protocol.FileOpModified, byPath["PLAN.md"].Operation)

	require.Eventually(t, func() bool {
		return len(env.pub.forRun(res.RunID)) == len(events)
	}, 2*time.Second, 5*time.Millisecond)
	pushed := env.pub.forRun(res.RunID)
	for i := 1; i < len(pushed); i++ {
		assert.Less(t, pushed[i-1].Seq, pushed[i].Seq, "ingress must see events in seq order")
	}
}

func TestTriggerRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, executor.NewScripted(0), false)
	ctx := context.Background()

	cases := []protocol.TriggerRequest{
		{WorkflowStages: []string{"plan"}},
		{TaskID: "T1"},
		{TaskID: "T1", WorkflowStages: []string{"plan", "deploy"}},
		{TaskID: "T1", WorkflowStages: []string{"plan"}, StageModels: map[string]string{"ship": "opus"}},
		{TaskID: "T1", WorkflowStages: []string{"plan"}, PatchOf: "run_missing"},
	}
	for i, req := range cases {
		_, err := env.svc.Trigger(ctx, req)
		assert.True(t, errors.Is(err, domain.ErrInvalidTrigger), "case %d: %v", i, err)
	}
}

func TestTriggerIdempotencyCollapsesConcurrentRequests(t *testing.T) {
	ext := executor.NewExternal()
	env := newTestEnv(t, ext, false)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	results := make([]*TriggerResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.Trigger(ctx, protocol.TriggerRequest{
				TaskID:         "T1",
				WorkflowStages: []string{"plan"},
				IdempotencyKey: "same-key",
			})
		}(i)
	}
	wg.Wait()

	runIDs := map[string]bool{}
	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		runIDs[results[i].RunID] = true
		if !results[i].Duplicate {
			fresh++
		}
	}
	assert.Len(t, runIDs, 1)
	assert.Equal(t, 1, fresh)

	again, err := env.svc.Trigger(ctx, protocol.TriggerRequest{TaskID: "T1", WorkflowStages: []string{"plan"}, IdempotencyKey: "same-key"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	for id := range runIDs {
		assert.Equal(t, id, again.RunID)
		_, err := env.svc.ReportError(ctx, id, "done")
		require.NoError(t, err)
		waitTerminal(t, env.svc, id)
	}
}

func TestReportErrorIsIdempotentAndCancelsStage(t *testing.T) {
	env := newTestEnv(t, executor.NewExternal(), false)
	ctx := context.Background()

	res, err := env.svc.Trigger(ctx, protocol.TriggerRequest{TaskID: "T1", WorkflowStages: []string{"plan", "build"}})
	require.NoError(t, err)
	waitStageRunning(t, env.svc, res.RunID, domain.StagePlan)

	run, err := env.svc.ReportError(ctx, res.RunID, "operator cancelled")
	require.NoError(t, err)
	assert.True(t, run.Errored)
	assert.Equal(t, domain.StageErrored, run.CurrentStage)

	again, err := env.svc.ReportError(ctx, res.RunID, "second report")
	require.NoError(t, err)
	assert.Equal(t, "operator cancelled", again.ErrorMessage)

	final := waitTerminal(t, env.svc, res.RunID)
	assert.Equal(t, domain.SubStateErrored, final.StageStates[domain.StagePlan])
	assert.Equal(t, domain.SubStatePending, final.StageStates[domain.StageBuild])
	assert.Equal(t, "operator cancelled", final.ErrorMessage)

	errored := 0
	for _, st := range transitions(t, recorded(t, env.svc, res.RunID)) {
		if st.ToStage == "errored" {
			errored++
			assert.Equal(t, "plan", st.FromStage)
			assert.Equal(t, "operator cancelled", st.Error)
		}
		assert.NotEqual(t, "build", st.ToStage, "errored run must not advance")
	}
	assert.Equal(t, 1, errored)

	_, err = env.svc.ReportError(ctx, "run_missing", "x")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStageFailureErrorsRun(t *testing.T) {
	exec := executor.NewScripted(0)
	exec.Fail = map[domain.Stage]string{domain.StageBuild: "compilation failed"}
	env := newTestEnv(t, exec, false)

	res, err := env.svc.Trigger(context.Background(), protocol.TriggerRequest{TaskID: "T1", WorkflowStages: []string{"plan", "build", "test"}})
	require.NoError(t, err)

	run := waitTerminal(t, env.svc, res.RunID)
	assert.True(t, run.Errored)
	assert.False(t, run.Completed)
	assert.Contains(t, run.ErrorMessage, "compilation failed")
	assert.Equal(t, domain.SubStateCompleted, run.StageStates[domain.StagePlan])
	assert.Equal(t, domain.SubStateErrored, run.StageStates[domain.StageBuild])
	assert.Equal(t, domain.SubStatePending, run.StageStates[domain.StageTest])

	sts := transitions(t, recorded(t, env.svc, res.RunID))
	last := sts[len(sts)-1]
	assert.Equal(t, "build", last.FromStage)
	assert.Equal(t, "errored", last.ToStage)
}

func TestPatchRunReferencesParent(t *testing.T) {
	env := newTestEnv(t, executor.NewScripted(0), false)
	ctx := context.Background()

	parent, err := env.svc.Trigger(ctx, protocol.TriggerRequest{TaskID: "T1", WorkflowStages: []string{"plan"}})
	require.NoError(t, err)
	parentRun := waitTerminal(t, env.svc, parent.RunID)
	parentEvents := recorded(t, env.svc, parent.RunID)

	patch, err := env.svc.Trigger(ctx, protocol.TriggerRequest{WorkflowStages: []string{"build"}, PatchOf: parent.RunID})
	require.NoError(t, err)
	require.NotEqual(t, parent.RunID, patch.RunID)

	patchRun := waitTerminal(t, env.svc, patch.RunID)
	assert.Equal(t, parent.RunID, patchRun.ParentRunID)
	assert.Equal(t, "T1", patchRun.TaskID)
	assert.Equal(t, int64(1), recorded(t, env.svc, patch.RunID)[0].Seq)

	after, err := env.svc.GetRun(ctx, parent.RunID)
	require.NoError(t, err)
	assert.True(t, after.Completed)
	assert.Equal(t, parentRun.QueuedStages, after.QueuedStages)
	assert.Empty(t, after.ParentRunID)
	assert.Len(t, recorded(t, env.svc, parent.RunID), len(parentEvents))

	_, err = env.svc.Trigger(ctx, protocol.TriggerRequest{TaskID: "T2", WorkflowStages: []string{"build"}, PatchOf: parent.RunID})
	assert.ErrorIs(t, err, domain.ErrInvalidTrigger)
}

func TestExternalStageResults(t *testing.T) {
	env := newTestEnv(t, executor.NewExternal(), false)
	ctx := context.Background()

	res, err := env.svc.Trigger(ctx, protocol.TriggerRequest{TaskID: "T1", WorkflowStages: []string{"plan", "build"}})
	require.NoError(t, err)
	waitStageRunning(t, env.svc, res.RunID, domain.StagePlan)

	input := json.RawMessage(`{"file_path":"app.py","old_string":"a\n","new_string":"b\n"}`)
	failed, err := env.svc.FireHook(ctx, res.RunID, domain.HookAfterToolCall, hooks.Context{ToolName: "Edit", Input: input, Success: true})
	require.NoError(t, err)
	assert.Equal(t, 0, failed)

	require.NoError(t, env.svc.ReportStageResult(ctx, res.RunID, domain.StagePlan, true, ""))
	waitStageRunning(t, env.svc, res.RunID, domain.StageBuild)
	require.NoError(t, env.svc.ReportStageResult(ctx, res.RunID, domain.StageBuild, true, ""))

	run := waitTerminal(t, env.svc, res.RunID)
	assert.True(t, run.Completed)

	var activity []protocol.FileActivity
	for _, e := range recorded(t, env.svc, res.RunID) {
		if e.Type == protocol.EventFileActivity {
			var fa protocol.FileActivity
			require.NoError(t, json.Unmarshal(e.Payload, &fa))
			activity = append(activity, fa)
		}
	}
	require.Len(t, activity, 1)
	assert.Equal(t, "app.py", activity[0].Path)
	assert.Equal(t, 1, activity[0].LinesAdded)
	assert.Equal(t, 1, activity[0].LinesRemoved)

	_, err = env.svc.FireHook(ctx, res.RunID, domain.HookTextChunk, hooks.Context{Content: "late"})
	assert.ErrorIs(t, err, ErrRunNotActive)
	_, err = env.svc.FireHook(ctx, "run_missing", domain.HookTextChunk, hooks.Context{})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestReportStageResultRequiresExternalExecutor(t *testing.T) {
	env := newTestEnv(t, executor.NewScripted(0), false)
	err := env.svc.ReportStageResult(context.Background(), "run_1", domain.StagePlan, true, "")
	assert.ErrorIs(t, err, ErrExternalDisabled)
}

func TestSummariesFollowWrites(t *testing.T) {
	env := newTestEnv(t, executor.NewScripted(0), true)
	ctx := context.Background()

	res, err := env.svc.Trigger(ctx, protocol.TriggerRequest{TaskID: "T1", WorkflowStages: []string{"build"}})
	require.NoError(t, err)
	waitTerminal(t, env.svc, res.RunID)

	var update protocol.SummaryUpdate
	require.Eventually(t, func() bool {
		for _, e := range recorded(t, env.svc, res.RunID) {
			if e.Type == protocol.EventSummaryUpdate {
				return json.Unmarshal(e.Payload, &update) == nil
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "file:main.go", update.Scope)
	assert.Equal(t, "[MOCK] 2 lines added, 0 lines removed.", update.Content)

	snap, err := env.svc.Snapshot(ctx, res.RunID)
	require.NoError(t, err)
	for _, f := range snap.Files {
		if f.Path == "main.go" {
			assert.Equal(t, update.Content, f.Summary)
		}
	}
}

func TestStartMarksInterruptedRunsErrored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := helpers.NewTestSQLiteStore(t)

	now := time.Now().UTC()
	run := &domain.Run{
		RunID:        "run_stale",
		TaskID:       "T1",
		QueuedStages: []domain.Stage{domain.StagePlan},
		StageModels:  map[domain.Stage]string{domain.StagePlan: "opus"},
		StageStates:  map[domain.Stage]domain.SubState{domain.StagePlan: domain.SubStateRunning},
		CurrentStage: domain.StagePlan,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, db.CreateRun(ctx, run))
	evt := &protocol.Event{Type: protocol.EventLogLine, Timestamp: now, RunID: run.RunID, TaskID: "T1", Seq: 4, Payload: json.RawMessage(`{}`)}
	require.NoError(t, db.CreateEvent(ctx, evt))

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)
	svc := New(testConfig(), Deps{Store: db, Executor: executor.NewScripted(0), Classifier: engine})
	require.NoError(t, svc.Start(ctx))

	got, err := db.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, got.Errored)
	assert.Equal(t, "orchestrator restarted", got.ErrorMessage)
	assert.Equal(t, domain.SubStateErrored, got.StageStates[domain.StagePlan])

	maxSeq, err := db.MaxSeq(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), maxSeq, "recovery continues the run's sequence")

	cancel()
	svc.Wait()
}

func TestRetentionSweepPrunesArchivedRuns(t *testing.T) {
	env := newTestEnv(t, executor.NewScripted(0), false)
	ctx := context.Background()

	res, err := env.svc.Trigger(ctx, protocol.TriggerRequest{TaskID: "T1", WorkflowStages: []string{"plan"}, IdempotencyKey: "old-key"})
	require.NoError(t, err)
	waitTerminal(t, env.svc, res.RunID)
	require.NotEmpty(t, recorded(t, env.svc, res.RunID))

	env.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	env.svc.sweepRetention(ctx)

	assert.Empty(t, recorded(t, env.svc, res.RunID))
	runID, err := env.store.FindRunByIdempotencyKey(ctx, "old-key", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, runID)

	fresh, err := env.svc.Trigger(ctx, protocol.TriggerRequest{TaskID: "T1", WorkflowStages: []string{"plan"}, IdempotencyKey: "old-key"})
	require.NoError(t, err)
	assert.False(t, fresh.Duplicate, fmt.Sprintf("expired key must bind a new run, got %s", fresh.RunID))
	waitTerminal(t, env.svc, fresh.RunID)
}
