// Package store persists runs, events and tracked files.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// ErrDuplicateKey is returned when an idempotency key is already bound.
var ErrDuplicateKey = errors.New("idempotency key already bound")

// ErrDuplicateSeq is returned when an event sequence already exists for a run.
var ErrDuplicateSeq = errors.New("event sequence already recorded")

// Store defines the interface for data persistence.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run) error
	ListUnfinishedRuns(ctx context.Context) ([]*domain.Run, error)

	// Idempotency operations
	FindRunByIdempotencyKey(ctx context.Context, key string, notBefore time.Time) (string, error)
	DeleteIdempotencyKeysBefore(ctx context.Context, before time.Time) (int64, error)

	// Event operations
	CreateEvent(ctx context.Context, event *protocol.Event) error
	GetEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]*protocol.Event, error)
	MaxSeq(ctx context.Context, runID string) (int64, error)
	PruneEvents(ctx context.Context, archivedBefore time.Time) ([]string, int64, error)

	// File record operations
	UpsertFileRecord(ctx context.Context, runID string, rec protocol.FileRecord) error
	UpdateFileSummary(ctx context.Context, runID, path, summary string) error
	ListFileRecords(ctx context.Context, runID string) ([]protocol.FileRecord, error)

	Close() error
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
