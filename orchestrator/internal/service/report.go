package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/executor"
)

// ReportError marks a run errored. Reporting an error for a run that already
// finished returns the run unchanged.
func (s *Service) ReportError(ctx context.Context, runID, message string) (*domain.Run, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "reported error"
	}

	if rs := s.activeRun(runID); rs != nil {
		s.markErrored(ctx, rs, message)
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
	if run.Terminal() {
		return run, nil
	}

	// Unfinished in the store without a live driver.
	rs := newRunState(run)
	s.markErrored(ctx, rs, message)
	return rs.run.Clone(), nil
}

// ReportStageResult resolves a stage executed outside the orchestrator.
func (s *Service) ReportStageResult(ctx context.Context, runID string, stage domain.Stage, success bool, message string) error {
	reporter, ok := s.executor.(executor.ResultReporter)
	if !ok {
		return ErrExternalDisabled
	}
	if s.activeRun(runID) == nil {
		return s.inactiveErr(ctx, runID)
	}
	return reporter.Report(runID, stage, success, message)
}
