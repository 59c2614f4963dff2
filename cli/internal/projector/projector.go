// Package projector folds the event stream into a local read-only view of
// every observed run. It drops already-applied events, reorders early ones
// and asks for a resync when a gap does not close in time.
package projector

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kvnkishore11/agentickanban/protocol"
)

// Outcome tells what Apply did with an event.
type Outcome int

const (
	// Applied means the event and any buffered successors were applied.
	Applied Outcome = iota
	// Buffered means the event arrived ahead of a gap and waits for it.
	Buffered
	// Duplicate means the event was already applied or buffered.
	Duplicate
	// Ignored means the event is not run scoped.
	Ignored
	// Dropped means the reorder buffer was full. The event is discarded and
	// the run waits for a resync snapshot.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case Ignored:
		return "ignored"
	case Dropped:
		return "dropped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Options configures a Projector.
type Options struct {
	// FingerprintTTL bounds how long applied fingerprints are remembered.
	FingerprintTTL time.Duration
	// GapTimeout is how long a sequence gap may stay open before a resync.
	GapTimeout time.Duration
	// MaxBuffered caps the reorder buffer of a run. Overflow forces a resync.
	MaxBuffered int
	// LineLimit caps the telemetry lines kept per run.
	LineLimit int

	// Resync is called, outside the projector lock, for runs whose gap
	// outlived GapTimeout.
	Resync func(runID string)
	// OnApply is called, outside the projector lock, for every applied
	// event in sequence order.
	OnApply func(evt *protocol.Event, payload protocol.Payload)
}

func (o *Options) setDefaults() {
	if o.FingerprintTTL <= 0 {
		o.FingerprintTTL = 5 * time.Minute
	}
	if o.GapTimeout <= 0 {
		o.GapTimeout = 3 * time.Second
	}
	if o.MaxBuffered <= 0 {
		o.MaxBuffered = 256
	}
	if o.LineLimit <= 0 {
		o.LineLimit = 200
	}
}

// RunState is the projected view of one run.
type RunState struct {
	RunID        string
	TaskID       string
	ParentRunID  string
	QueuedStages []string
	StageModels  map[string]string
	StageStates  map[string]string
	CurrentStage string
	Model        string
	Completed    bool
	Errored      bool
	ErrorMessage string
	ToolCalls    int
	LastStep     string
	Files        []protocol.FileRecord
	Summaries    map[string]string
	Lines        []Line
	LastSeq      int64
	UpdatedAt    time.Time
}

// Terminal reports whether the run completed or errored.
func (s RunState) Terminal() bool {
	return s.Completed || s.Errored
}

type applied struct {
	evt     *protocol.Event
	payload protocol.Payload
}

// track is the per-run bookkeeping behind a RunState.
type track struct {
	state   RunState
	files   map[string]protocol.FileRecord
	lines   *ring
	highest int64
	pending map[int64]*protocol.Event
	seen    map[string]time.Time

	gapSince        time.Time
	resyncRequested bool
}

// Projector is safe for concurrent use.
type Projector struct {
	opts Options
	now  func() time.Time

	mu            sync.Mutex
	runs          map[string]*track
	connections   int
	lastHeartbeat time.Time
}

// New creates an empty projector.
func New(opts Options) *Projector {
	opts.setDefaults()
	return &Projector{
		opts: opts,
		now:  time.Now,
		runs: make(map[string]*track),
	}
}

func (p *Projector) track(runID string) *track {
	t, ok := p.runs[runID]
	if !ok {
		t = &track{
			state: RunState{
				RunID:       runID,
				StageModels: make(map[string]string),
				StageStates: make(map[string]string),
				Summaries:   make(map[string]string),
			},
			files:   make(map[string]protocol.FileRecord),
			lines:   newRing(p.opts.LineLimit),
			pending: make(map[int64]*protocol.Event),
			seen:    make(map[string]time.Time),
		}
		p.runs[runID] = t
	}
	return t
}

// Apply folds evt into the projection.
func (p *Projector) Apply(evt *protocol.Event) Outcome {
	if evt == nil {
		return Ignored
	}
	if evt.Type == protocol.EventHeartbeat {
		p.heartbeat(evt)
		return Ignored
	}
	if evt.RunID == "" {
		return Ignored
	}

	var done []applied
	var resync bool
	outcome := func() Outcome {
		p.mu.Lock()
		defer p.mu.Unlock()

		now := p.now()
		t := p.track(evt.RunID)
		t.evictFingerprints(now, p.opts.FingerprintTTL)

		if _, ok := t.seen[evt.Fingerprint()]; ok || evt.Seq <= t.highest {
			return Duplicate
		}

		if evt.Seq > t.highest+1 {
			if _, ok := t.pending[evt.Seq]; ok {
				return Duplicate
			}
			if len(t.pending) >= p.opts.MaxBuffered {
				resync = !t.resyncRequested
				t.resyncRequested = true
				return Dropped
			}
			t.pending[evt.Seq] = evt
			if t.gapSince.IsZero() {
				t.gapSince = now
			}
			return Buffered
		}

		done = append(done, t.apply(evt, now))
		for {
			next, ok := t.pending[t.highest+1]
			if !ok {
				break
			}
			delete(t.pending, next.Seq)
			done = append(done, t.apply(next, now))
		}
		t.resetGap(now)
		return Applied
	}()

	if resync && p.opts.Resync != nil {
		log.Printf("WARN: reorder buffer full for run %s, requesting resync", evt.RunID)
		p.opts.Resync(evt.RunID)
	}
	p.notify(done)
	return outcome
}

func (p *Projector) notify(done []applied) {
	if p.opts.OnApply == nil {
		return
	}
	for _, a := range done {
		p.opts.OnApply(a.evt, a.payload)
	}
}

func (p *Projector) heartbeat(evt *protocol.Event) {
	payload, err := evt.Decode()
	if err != nil {
		log.Printf("WARN: dropping malformed heartbeat: %v", err)
		return
	}
	hb, ok := payload.(*protocol.Heartbeat)
	if !ok {
		return
	}
	p.mu.Lock()
	p.connections = hb.Connections
	p.lastHeartbeat = p.now()
	p.mu.Unlock()
}

func (t *track) evictFingerprints(now time.Time, ttl time.Duration) {
	for fp, at := range t.seen {
		if now.Sub(at) > ttl {
			delete(t.seen, fp)
		}
	}
}

// resetGap restarts the gap clock when events are still buffered.
func (t *track) resetGap(now time.Time) {
	if len(t.pending) == 0 {
		t.gapSince = time.Time{}
		t.resyncRequested = false
		return
	}
	t.gapSince = now
}

// apply folds one in-order event into the run state.
func (t *track) apply(evt *protocol.Event, now time.Time) applied {
	t.highest = evt.Seq
	t.seen[evt.Fingerprint()] = now
	t.state.LastSeq = evt.Seq
	if t.state.TaskID == "" {
		t.state.TaskID = evt.TaskID
	}
	if !evt.Timestamp.IsZero() {
		t.state.UpdatedAt = evt.Timestamp
	}

	payload, err := evt.Decode()
	if err != nil {
		log.Printf("WARN: dropping malformed %s event %s/%d: %v", evt.Type, evt.RunID, evt.Seq, err)
		return applied{evt: evt}
	}

	line := Line{Seq: evt.Seq, Type: evt.Type}
	switch pl := payload.(type) {
	case *protocol.StageTransition:
		t.transition(pl)
		line.Text = fmt.Sprintf("%s -> %s (%s)", orNone(pl.FromStage), pl.ToStage, pl.Model)
		if pl.Error != "" {
			line.Text += ": " + pl.Error
		}
	case *protocol.LogLine:
		line.Text = fmt.Sprintf("[%s] %s", pl.Level, pl.Message)
	case *protocol.ReasoningStep:
		t.state.LastStep = pl.Content
		line.Text = pl.Content
	case *protocol.ToolCallPre:
		line.Text = pl.ToolName
	case *protocol.ToolCallPost:
		t.state.ToolCalls++
		line.Text = fmt.Sprintf("%s ok=%t %dms", pl.ToolName, pl.Success, pl.DurationMs)
		if pl.Error != "" {
			line.Text += " " + pl.Error
		}
	case *protocol.FileActivity:
		t.recordFile(protocol.FileRecord{
			Path:         pl.Path,
			Operation:    pl.Operation,
			Diff:         pl.Diff,
			LinesAdded:   pl.LinesAdded,
			LinesRemoved: pl.LinesRemoved,
			Summary:      pl.Summary,
			UpdatedAt:    evt.Timestamp,
		})
		line.Text = fmt.Sprintf("%s %s +%d -%d", pl.Operation, pl.Path, pl.LinesAdded, pl.LinesRemoved)
	case *protocol.SummaryUpdate:
		t.summary(pl)
		line.Text = pl.Scope + ": " + pl.Content
	case *protocol.Unknown:
		line.Text = "unknown event " + pl.Type
	}
	t.lines.push(line)
	return applied{evt: evt, payload: payload}
}

// transition moves current_stage forward only.
func (t *track) transition(st *protocol.StageTransition) {
	s := &t.state
	if isTerminal(s.CurrentStage) || stageRank(st.ToStage) < stageRank(s.CurrentStage) {
		return
	}

	switch st.ToStage {
	case stageCompleted:
		if st.FromStage != "" {
			s.StageStates[st.FromStage] = "completed"
		}
		s.Completed = true
	case stageErrored:
		if st.FromStage != "" {
			s.StageStates[st.FromStage] = "errored"
		}
		s.Errored = true
		s.ErrorMessage = st.Error
	default:
		if st.FromStage != "" && st.FromStage != st.ToStage {
			s.StageStates[st.FromStage] = "completed"
		}
		s.StageStates[st.ToStage] = "running"
		if st.Model != "" {
			s.StageModels[st.ToStage] = st.Model
		}
		if !contains(s.QueuedStages, st.ToStage) {
			s.QueuedStages = append(s.QueuedStages, st.ToStage)
		}
	}
	s.CurrentStage = st.ToStage
	if st.Model != "" {
		s.Model = st.Model
	}
}

// recordFile keeps one record per path. A read never downgrades a
// modified record.
func (t *track) recordFile(rec protocol.FileRecord) {
	if rec.Path == "" {
		return
	}
	if existing, ok := t.files[rec.Path]; ok &&
		existing.Operation == protocol.FileOpModified && rec.Operation == protocol.FileOpRead {
		return
	}
	t.files[rec.Path] = rec
}

func (t *track) summary(su *protocol.SummaryUpdate) {
	if path, ok := strings.CutPrefix(su.Scope, "file:"); ok {
		if rec, found := t.files[path]; found {
			rec.Summary = su.Content
			t.files[path] = rec
			return
		}
	}
	t.state.Summaries[su.Scope] = su.Content
}

// ApplySnapshot replaces the view of a run and fast-forwards its highest
// applied seq. A snapshot older than what was already applied is ignored.
func (p *Projector) ApplySnapshot(snap *protocol.RunSnapshot) bool {
	if snap == nil || snap.Run.RunID == "" {
		return false
	}

	var done []applied
	ok := func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()

		t := p.track(snap.Run.RunID)
		if snap.LastSeq < t.highest {
			return false
		}

		v := snap.Run
		t.state.TaskID = v.TaskID
		t.state.ParentRunID = v.ParentRunID
		t.state.QueuedStages = append([]string(nil), v.QueuedStages...)
		t.state.StageModels = copyMap(v.StageModels)
		t.state.StageStates = copyMap(v.StageStates)
		t.state.CurrentStage = v.CurrentStage
		if m := v.StageModels[v.CurrentStage]; m != "" {
			t.state.Model = m
		}
		t.state.Completed = v.Completed
		t.state.Errored = v.Errored
		t.state.ErrorMessage = v.ErrorMessage
		t.state.UpdatedAt = v.UpdatedAt
		t.state.LastSeq = snap.LastSeq

		t.files = make(map[string]protocol.FileRecord, len(snap.Files))
		for _, rec := range snap.Files {
			t.files[rec.Path] = rec
		}

		t.highest = snap.LastSeq
		for seq := range t.pending {
			if seq <= t.highest {
				delete(t.pending, seq)
			}
		}
		now := p.now()
		for {
			next, found := t.pending[t.highest+1]
			if !found {
				break
			}
			delete(t.pending, next.Seq)
			done = append(done, t.apply(next, now))
		}
		t.resyncRequested = false
		t.resetGap(now)
		return true
	}()

	p.notify(done)
	return ok
}

// CheckGaps requests a resync for every run whose gap outlived GapTimeout.
func (p *Projector) CheckGaps() []string {
	p.mu.Lock()
	now := p.now()
	var stale []string
	for runID, t := range p.runs {
		if t.gapSince.IsZero() || t.resyncRequested {
			continue
		}
		if now.Sub(t.gapSince) > p.opts.GapTimeout {
			t.resyncRequested = true
			stale = append(stale, runID)
		}
	}
	p.mu.Unlock()

	sort.Strings(stale)
	for _, runID := range stale {
		log.Printf("WARN: sequence gap for run %s outlived %s, requesting resync", runID, p.opts.GapTimeout)
		if p.opts.Resync != nil {
			p.opts.Resync(runID)
		}
	}
	return stale
}

// Watch checks for stale gaps until ctx is cancelled.
func (p *Projector) Watch(ctx context.Context) {
	interval := p.opts.GapTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckGaps()
		}
	}
}

// LastSeq returns the highest applied seq per run, for hello.resume.
func (p *Projector) LastSeq() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int64, len(p.runs))
	for runID, t := range p.runs {
		if t.highest > 0 {
			out[runID] = t.highest
		}
	}
	return out
}

// Run returns a copy of the projected state of runID.
func (p *Projector) Run(runID string) (RunState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.runs[runID]
	if !ok {
		return RunState{}, false
	}
	return t.snapshot(), true
}

// Runs returns copies of every projected run ordered by run id.
func (p *Projector) Runs() []RunState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RunState, 0, len(p.runs))
	for _, t := range p.runs {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// Connections returns the live connection count of the last heartbeat.
func (p *Projector) Connections() (int, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connections, p.lastHeartbeat
}

func (t *track) snapshot() RunState {
	s := t.state
	s.QueuedStages = append([]string(nil), t.state.QueuedStages...)
	s.StageModels = copyMap(t.state.StageModels)
	s.StageStates = copyMap(t.state.StageStates)
	s.Summaries = copyMap(t.state.Summaries)
	s.Files = make([]protocol.FileRecord, 0, len(t.files))
	for _, rec := range t.files {
		s.Files = append(s.Files, rec)
	}
	sort.Slice(s.Files, func(i, j int) bool { return s.Files[i].Path < s.Files[j].Path })
	s.Lines = t.lines.items()
	return s
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
