// Package tracker turns file tool calls into tracked file records and
// file_activity events.
package tracker

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/summary"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// Classifier decides whether a tool reads or writes files.
type Classifier interface {
	Classify(ctx context.Context, toolName string) (domain.ToolClass, error)
}

// RecordStore persists tracked file records.
type RecordStore interface {
	UpsertFileRecord(ctx context.Context, runID string, rec protocol.FileRecord) error
	UpdateFileSummary(ctx context.Context, runID, path, summary string) error
}

// Enqueuer accepts summarization jobs without blocking.
type Enqueuer interface {
	Enqueue(job summary.Job) bool
}

// Emitter publishes a payload as an event of the run being observed.
type Emitter func(ctx context.Context, payload protocol.Payload)

// Options bounds diff computation.
type Options struct {
	DiffTimeout time.Duration
	MaxBytes    int
	MaxLines    int
}

// Tracker keeps the latest record per path per run.
type Tracker struct {
	classifier Classifier
	store      RecordStore
	diff       DiffProvider
	summarizer Enqueuer
	opts       Options
	now        func() time.Time

	mu      sync.Mutex
	records map[string]map[string]protocol.FileRecord
}

// New creates a tracker. store, diff and summarizer may be nil.
func New(classifier Classifier, store RecordStore, diff DiffProvider, summarizer Enqueuer, opts Options) *Tracker {
	if opts.DiffTimeout <= 0 {
		opts.DiffTimeout = 3 * time.Second
	}
	return &Tracker{
		classifier: classifier,
		store:      store,
		diff:       diff,
		summarizer: summarizer,
		opts:       opts,
		now:        time.Now,
		records:    make(map[string]map[string]protocol.FileRecord),
	}
}

// Hook returns an after_tool_call callback that reports through emit.
func (t *Tracker) Hook(emit Emitter) hooks.Callback {
	return func(ctx context.Context, hc hooks.Context) error {
		return t.Observe(ctx, hc, emit)
	}
}

// Observe handles one completed tool call.
func (t *Tracker) Observe(ctx context.Context, hc hooks.Context, emit Emitter) error {
	class, err := t.classifier.Classify(ctx, hc.ToolName)
	if err != nil {
		return err
	}

	in := parseInput(hc.Input)
	path := in.path()
	if path == "" || class == domain.ToolClassIgnore {
		return nil
	}

	switch class {
	case domain.ToolClassRead:
		rec := protocol.FileRecord{Path: path, Operation: protocol.FileOpRead, UpdatedAt: t.now().UTC()}
		t.record(ctx, hc.RunID, rec)
		emit(ctx, protocol.FileActivity{Path: path, Operation: protocol.FileOpRead})

	case domain.ToolClassWrite:
		if !hc.Success {
			return nil
		}
		diff := t.computeDiff(ctx, path, in)
		added, removed := countLines(diff)
		diff = truncate(diff, t.opts.MaxLines, t.opts.MaxBytes)

		rec := protocol.FileRecord{
			Path:         path,
			Operation:    protocol.FileOpModified,
			Diff:         diff,
			LinesAdded:   added,
			LinesRemoved: removed,
			UpdatedAt:    t.now().UTC(),
		}
		t.record(ctx, hc.RunID, rec)
		emit(ctx, protocol.FileActivity{
			Path:         path,
			Operation:    protocol.FileOpModified,
			Diff:         diff,
			LinesAdded:   added,
			LinesRemoved: removed,
		})

		if t.summarizer != nil && diff != "" {
			t.summarizer.Enqueue(summary.Job{RunID: hc.RunID, TaskID: hc.TaskID, Path: path, Diff: diff})
		}
	}
	return nil
}

func (t *Tracker) computeDiff(ctx context.Context, path string, in editInput) string {
	if diff, ok := in.inlineDiff(path); ok {
		return diff
	}
	if t.diff == nil {
		return ""
	}

	diffCtx, cancel := context.WithTimeout(ctx, t.opts.DiffTimeout)
	defer cancel()
	diff, err := t.diff(diffCtx, path)
	if err != nil {
		log.Printf("WARN: diff provider failed for %s: %v", path, err)
		return ""
	}
	return diff
}

// record applies rec to the run's table. A read never downgrades a
// modified record.
func (t *Tracker) record(ctx context.Context, runID string, rec protocol.FileRecord) {
	t.mu.Lock()
	files := t.records[runID]
	if files == nil {
		files = make(map[string]protocol.FileRecord)
		t.records[runID] = files
	}
	if existing, ok := files[rec.Path]; ok &&
		existing.Operation == protocol.FileOpModified && rec.Operation == protocol.FileOpRead {
		t.mu.Unlock()
		return
	}
	files[rec.Path] = rec
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.UpsertFileRecord(ctx, runID, rec); err != nil {
			log.Printf("ERROR: failed to persist file record %s for run %s: %v", rec.Path, runID, err)
		}
	}
}

// SetSummary attaches a summary to a modified record. It reports false when
// the run or path is no longer tracked.
func (t *Tracker) SetSummary(ctx context.Context, runID, path, content string) bool {
	t.mu.Lock()
	rec, ok := t.records[runID][path]
	if ok {
		rec.Summary = content
		t.records[runID][path] = rec
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	if t.store != nil {
		if err := t.store.UpdateFileSummary(ctx, runID, path, content); err != nil {
			log.Printf("ERROR: failed to persist summary %s for run %s: %v", path, runID, err)
		}
	}
	return true
}

// Records returns the run's records ordered by path.
func (t *Tracker) Records(runID string) []protocol.FileRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]protocol.FileRecord, 0, len(t.records[runID]))
	for _, rec := range t.records[runID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Count returns how many files the run touched.
func (t *Tracker) Count(runID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records[runID])
}

// Forget drops the in-memory records of a run.
func (t *Tracker) Forget(runID string) {
	t.mu.Lock()
	delete(t.records, runID)
	t.mu.Unlock()
}
