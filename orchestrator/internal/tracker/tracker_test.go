package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/policy"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/summary"
	"github.com/kvnkishore11/agentickanban/orchestrator/tests/helpers"
	"github.com/kvnkishore11/agentickanban/protocol"
)

type collector struct {
	mu     sync.Mutex
	events []protocol.FileActivity
}

func (c *collector) emit(ctx context.Context, p protocol.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fa, ok := p.(protocol.FileActivity); ok {
		c.events = append(c.events, fa)
	}
}

type jobQueue struct {
	jobs []summary.Job
}

func (q *jobQueue) Enqueue(job summary.Job) bool {
	q.jobs = append(q.jobs, job)
	return true
}

func newEngine(t *testing.T) *policy.Engine {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	return engine
}

func toolCall(runID, tool string, input map[string]interface{}, success bool) hooks.Context {
	raw, _ := json.Marshal(input)
	return hooks.Context{RunID: runID, TaskID: "T1", ToolName: tool, Input: raw, Success: success}
}

func TestReadThenModifyKeepsOneRecordPerPath(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	run := &domain.Run{
		RunID:        "r1",
		TaskID:       "T1",
		QueuedStages: []domain.Stage{domain.StageBuild},
		StageModels:  map[domain.Stage]string{},
		StageStates:  map[domain.Stage]domain.SubState{},
		CurrentStage: domain.StageBuild,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.CreateRun(ctx, run))

	queue := &jobQueue{}
	tr := New(newEngine(t), store, nil, queue, Options{})
	c := &collector{}
	hook := tr.Hook(c.emit)

	require.NoError(t, hook(ctx, toolCall("r1", "Read", map[string]interface{}{"file_path": "a.py"}, true)))
	require.NoError(t, hook(ctx, toolCall("r1", "Edit", map[string]interface{}{
		"file_path":  "a.py",
		"old_string": "x = 1\n",
		"new_string": "x = 2\ny = 3\n",
	}, true)))
	require.NoError(t, hook(ctx, toolCall("r1", "Read", map[string]interface{}{"file_path": "b.py"}, true)))
	// A later read of a modified file does not downgrade it.
	require.NoError(t, hook(ctx, toolCall("r1", "Read", map[string]interface{}{"file_path": "a.py"}, true)))

	records := tr.Records("r1")
	require.Len(t, records, 2)
	assert.Equal(t, "a.py", records[0].Path)
	assert.Equal(t, protocol.FileOpModified, records[0].Operation)
	assert.Equal(t, 2, records[0].LinesAdded)
	assert.Equal(t, 1, records[0].LinesRemoved)
	assert.Equal(t, "b.py", records[1].Path)
	assert.Equal(t, protocol.FileOpRead, records[1].Operation)
	assert.Equal(t, 2, tr.Count("r1"))

	persisted, err := store.ListFileRecords(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, protocol.FileOpModified, persisted[0].Operation)

	require.Len(t, c.events, 4)
	assert.Equal(t, protocol.FileOpModified, c.events[1].Operation)
	assert.Contains(t, c.events[1].Diff, "+y = 3")

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "a.py", queue.jobs[0].Path)

	assert.True(t, tr.SetSummary(ctx, "r1", "a.py", "bumps x"))
	assert.Equal(t, "bumps x", tr.Records("r1")[0].Summary)
	persisted, _ = store.ListFileRecords(ctx, "r1")
	assert.Equal(t, "bumps x", persisted[0].Summary)

	tr.Forget("r1")
	assert.Empty(t, tr.Records("r1"))
	assert.False(t, tr.SetSummary(ctx, "r1", "a.py", "late"))
}

func TestFailedWriteIsIgnored(t *testing.T) {
	tr := New(newEngine(t), nil, nil, nil, Options{})
	c := &collector{}

	err := tr.Observe(context.Background(), toolCall("r1", "Write", map[string]interface{}{"file_path": "a.py", "content": "x"}, false), c.emit)
	require.NoError(t, err)
	assert.Empty(t, c.events)
	assert.Empty(t, tr.Records("r1"))
}

func TestIgnoredToolsAndMissingPaths(t *testing.T) {
	tr := New(newEngine(t), nil, nil, nil, Options{})
	c := &collector{}
	ctx := context.Background()

	require.NoError(t, tr.Observe(ctx, toolCall("r1", "Bash", map[string]interface{}{"command": "ls"}, true), c.emit))
	require.NoError(t, tr.Observe(ctx, toolCall("r1", "Read", map[string]interface{}{}, true), c.emit))
	assert.Empty(t, c.events)
}

func TestDiffProviderFallbackWithTimeout(t *testing.T) {
	var calledPath string
	provider := func(ctx context.Context, path string) (string, error) {
		calledPath = path
		if _, ok := ctx.Deadline(); !ok {
			return "", errors.New("expected a deadline")
		}
		return "--- a/n.ipynb\n+++ b/n.ipynb\n@@ -1 +1 @@\n-a\n+b\n", nil
	}
	tr := New(newEngine(t), nil, provider, nil, Options{DiffTimeout: time.Second})
	c := &collector{}

	require.NoError(t, tr.Observe(context.Background(), toolCall("r1", "NotebookEdit", map[string]interface{}{"notebook_path": "n.ipynb"}, true), c.emit))
	assert.Equal(t, "n.ipynb", calledPath)
	require.Len(t, c.events, 1)
	assert.Equal(t, 1, c.events[0].LinesAdded)
	assert.Equal(t, 1, c.events[0].LinesRemoved)
}

func TestDiffProviderErrorStillEmits(t *testing.T) {
	provider := func(ctx context.Context, path string) (string, error) {
		return "", errors.New("not a repo")
	}
	tr := New(newEngine(t), nil, provider, &jobQueue{}, Options{})
	c := &collector{}

	require.NoError(t, tr.Observe(context.Background(), toolCall("r1", "NotebookEdit", map[string]interface{}{"notebook_path": "n.ipynb"}, true), c.emit))
	require.Len(t, c.events, 1)
	assert.Empty(t, c.events[0].Diff)
}

func TestMultiEditDiff(t *testing.T) {
	in := parseInput(json.RawMessage(`{"file_path":"m.go","edits":[{"old_string":"a","new_string":"b"},{"old_string":"c","new_string":"d"}]}`))
	diff, ok := in.inlineDiff(in.path())
	require.True(t, ok)
	added, removed := countLines(diff)
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, removed)
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("+line\n", 50)

	byLines := truncate(long, 10, 0)
	assert.True(t, strings.HasSuffix(byLines, truncatedMarker))
	assert.Equal(t, 10, strings.Count(byLines, "+line"))

	byBytes := truncate(long, 0, 20)
	assert.True(t, strings.HasSuffix(byBytes, truncatedMarker))
	assert.LessOrEqual(t, len(byBytes), 20+len(truncatedMarker))

	assert.Equal(t, "+x\n", truncate("+x\n", 10, 100))

	// A multi-byte rune cut in half is dropped.
	cut := truncate("+é", 0, 2)
	assert.Equal(t, "+"+truncatedMarker, cut)
}
