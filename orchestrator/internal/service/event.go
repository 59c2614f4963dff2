package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/summary"
	"github.com/kvnkishore11/agentickanban/protocol"
)

type runSeq struct {
	mu     sync.Mutex
	last   int64
	seeded bool
}

func (s *Service) seqFor(runID string) *runSeq {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	rs, ok := s.seqs[runID]
	if !ok {
		rs = &runSeq{}
		s.seqs[runID] = rs
	}
	return rs
}

// recordEvent assigns the next sequence of the run, persists the event and
// queues it for ingress. Sequence assignment and queueing happen under one
// per-run lock so ingress sees events of a run in sequence order.
func (s *Service) recordEvent(ctx context.Context, runID, taskID string, payload protocol.Payload) (*protocol.Event, error) {
	event, err := protocol.NewEvent(runID, taskID, payload)
	if err != nil {
		return nil, err
	}

	seq := s.seqFor(runID)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if !seq.seeded {
		last, err := s.store.MaxSeq(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to load last seq: %w", err)
		}
		seq.last = last
		seq.seeded = true
	}

	event.Seq = seq.last + 1
	event.Timestamp = s.now().UTC()
	if err := s.store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record %s event: %w", event.Type, err)
	}
	seq.last = event.Seq
	s.metrics.ObserveEvent(string(event.Type))

	if s.eventLog != nil {
		if err := s.eventLog.Append(ctx, event); err != nil {
			log.Printf("WARN: failed to append event %s to replay window: %v", event.Fingerprint(), err)
		}
	}

	select {
	case s.outbox <- event:
	default:
		s.metrics.ObserveOutboxDrop()
		s.markLagging(runID)
		log.Printf("WARN: outbox full, event %s deferred to catch-up", event.Fingerprint())
	}
	return event, nil
}

// emit records an event and logs failures. Hook callbacks and the driver
// use it where a lost event must not stop the run.
func (s *Service) emit(ctx context.Context, runID, taskID string, payload protocol.Payload) {
	if _, err := s.recordEvent(ctx, runID, taskID, payload); err != nil {
		log.Printf("ERROR: run %s: %v", runID, err)
	}
}

func (s *Service) forgetSeq(runID string) {
	s.seqMu.Lock()
	delete(s.seqs, runID)
	s.seqMu.Unlock()

	s.pushMu.Lock()
	delete(s.pushed, runID)
	delete(s.lagging, runID)
	s.pushMu.Unlock()
}

// pushBatch bounds how many stored events one catch-up pass pushes.
const pushBatch = 256

// runOutbox pushes queued events to ingress until ctx is cancelled. A run
// whose push failed, or whose event did not fit the outbox, is caught up
// from the store in seq order on its next event or the next retry tick.
func (s *Service) runOutbox(ctx context.Context) {
	interval := s.cfg.PushRetryInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.outbox:
			s.deliver(ctx, event)
		case <-ticker.C:
			for _, runID := range s.laggingRuns() {
				s.catchUp(ctx, runID)
			}
		}
	}
}

func (s *Service) deliver(ctx context.Context, event *protocol.Event) {
	if s.publisher == nil {
		return
	}

	s.pushMu.Lock()
	last, known := s.pushed[event.RunID]
	_, lagging := s.lagging[event.RunID]
	s.pushMu.Unlock()

	if known && event.Seq <= last {
		return
	}
	if lagging || (known && event.Seq > last+1) {
		s.catchUp(ctx, event.RunID)
		return
	}
	if !s.push(ctx, event) {
		s.markLagging(event.RunID)
		return
	}
	s.markPushed(event.RunID, event.Seq)
}

// catchUp pushes stored events of a run above its last delivered seq. The
// lagging mark is cleared before reading so an event deferred meanwhile
// marks the run again.
func (s *Service) catchUp(ctx context.Context, runID string) {
	if s.publisher == nil {
		return
	}

	s.pushMu.Lock()
	last := s.pushed[runID]
	delete(s.lagging, runID)
	s.pushMu.Unlock()

	events, err := s.store.GetEvents(ctx, runID, last, pushBatch)
	if err != nil {
		log.Printf("WARN: failed to load backlog of run %s: %v", runID, err)
		s.markLagging(runID)
		return
	}
	for _, event := range events {
		if !s.push(ctx, event) {
			s.markLagging(runID)
			return
		}
		s.markPushed(runID, event.Seq)
	}
	if len(events) == pushBatch {
		s.markLagging(runID)
	}
}

func (s *Service) push(ctx context.Context, event *protocol.Event) bool {
	if _, err := s.publisher.PushEvent(ctx, event); err != nil {
		s.metrics.ObservePushFailure()
		log.Printf("WARN: failed to push event %s: %v", event.Fingerprint(), err)
		return false
	}
	return true
}

func (s *Service) markPushed(runID string, seq int64) {
	s.pushMu.Lock()
	if seq > s.pushed[runID] {
		s.pushed[runID] = seq
	}
	s.pushMu.Unlock()
}

func (s *Service) markLagging(runID string) {
	s.pushMu.Lock()
	s.lagging[runID] = struct{}{}
	s.pushMu.Unlock()
}

func (s *Service) laggingRuns() []string {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	runs := make([]string, 0, len(s.lagging))
	for runID := range s.lagging {
		runs = append(runs, runID)
	}
	sort.Strings(runs)
	return runs
}

// applySummary is the summarizer sink.
func (s *Service) applySummary(ctx context.Context, job summary.Job, content string) {
	if !s.tracker.SetSummary(ctx, job.RunID, job.Path, content) {
		if err := s.store.UpdateFileSummary(ctx, job.RunID, job.Path, content); err != nil {
			log.Printf("ERROR: failed to persist summary %s for run %s: %v", job.Path, job.RunID, err)
		}
	}
	s.emit(ctx, job.RunID, job.TaskID, protocol.SummaryUpdate{Scope: job.Scope(), Content: content})
}
