package service

import (
	"context"
	"log"
	"time"
)

// RunRetentionSweeper prunes events of archived runs and expired idempotency
// keys on the configured interval until ctx is cancelled.
func (s *Service) RunRetentionSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepRetention(ctx)
		}
	}
}

func (s *Service) sweepRetention(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := s.now().UTC()
	if s.cfg.EventRetention > 0 {
		runIDs, n, err := s.store.PruneEvents(sweepCtx, now.Add(-s.cfg.EventRetention))
		if err != nil {
			log.Printf("WARN: event retention sweep failed: %v", err)
		} else if len(runIDs) > 0 {
			if s.eventLog != nil {
				if err := s.eventLog.Delete(sweepCtx, runIDs...); err != nil {
					log.Printf("WARN: failed to drop replay window of %d runs: %v", len(runIDs), err)
				}
			}
			for _, runID := range runIDs {
				s.tracker.Forget(runID)
				s.forgetSeq(runID)
			}
			log.Printf("INFO: pruned %d events of %d archived runs", n, len(runIDs))
		}
	}

	if s.cfg.IdempotencyTTL > 0 {
		n, err := s.store.DeleteIdempotencyKeysBefore(sweepCtx, now.Add(-s.cfg.IdempotencyTTL))
		if err != nil {
			log.Printf("WARN: idempotency key sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("INFO: released %d expired idempotency keys", n)
		}
	}
}
