package service

import (
	"context"
	"fmt"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// GetRun returns a copy of a run, live state first.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	if rs := s.activeRun(runID); rs != nil {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return rs.run.Clone(), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// Snapshot returns the full state of a run for client resync. LastSeq is
// read before the run and files: state changes are applied before their
// event is recorded, so the snapshot is never older than LastSeq and events
// above it re-apply idempotently.
func (s *Service) Snapshot(ctx context.Context, runID string) (*protocol.RunSnapshot, error) {
	lastSeq, err := s.store.MaxSeq(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load last seq: %w", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	files := s.tracker.Records(runID)
	if len(files) == 0 {
		files, err = s.store.ListFileRecords(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to list file records: %w", err)
		}
	}
	if files == nil {
		files = []protocol.FileRecord{}
	}

	return &protocol.RunSnapshot{Run: run.View(), Files: files, LastSeq: lastSeq}, nil
}

// Events returns recorded events of a run with seq greater than afterSeq.
// The replay window serves the request when it covers afterSeq+1; the store
// is authoritative otherwise.
func (s *Service) Events(ctx context.Context, runID string, afterSeq int64, limit int) ([]*protocol.Event, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}

	if s.eventLog != nil {
		events, err := s.eventLog.Range(ctx, runID, afterSeq, limit)
		if err == nil && len(events) > 0 && events[0].Seq == afterSeq+1 {
			return events, nil
		}
	}

	events, err := s.store.GetEvents(ctx, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}
	return events, nil
}
