// Package service implements the stage orchestrator: run creation, the
// per-run stage driver and the event pipeline feeding ingress.
package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/adapter/llm"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/config"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/executor"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/metrics"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/repository"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/summary"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/tracker"
	"github.com/kvnkishore11/agentickanban/protocol"
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotActive is returned when a run has no live driver.
	ErrRunNotActive = errors.New("run is not active")
	// ErrExternalDisabled is returned when stage results are reported to an
	// orchestrator that executes stages itself.
	ErrExternalDisabled = errors.New("external stage reporting is not enabled")
)

// Publisher delivers recorded events to ingress.
type Publisher interface {
	PushEvent(ctx context.Context, event *protocol.Event) (int, error)
}

// EventLog is an optional fast replay window next to the store.
type EventLog interface {
	Append(ctx context.Context, evt *protocol.Event) error
	Range(ctx context.Context, runID string, afterSeq int64, limit int) ([]*protocol.Event, error)
	Delete(ctx context.Context, runIDs ...string) error
}

// Deps are the collaborators of the service. Publisher, EventLog, LLM,
// DiffProvider and Metrics may be nil.
type Deps struct {
	Store        store.Store
	Executor     executor.StageExecutor
	Classifier   tracker.Classifier
	Publisher    Publisher
	EventLog     EventLog
	LLM          llm.LLMClient
	DiffProvider tracker.DiffProvider
	Metrics      *metrics.Metrics
}

// Service owns every run's state machine.
type Service struct {
	cfg        *config.Config
	store      store.Store
	executor   executor.StageExecutor
	publisher  Publisher
	eventLog   EventLog
	tracker    *tracker.Tracker
	summarizer *summary.Summarizer
	metrics    *metrics.Metrics
	now        func() time.Time

	triggers singleflight.Group

	mu   sync.Mutex
	runs map[string]*runState

	seqMu sync.Mutex
	seqs  map[string]*runSeq

	outbox chan *protocol.Event

	// Delivery progress toward ingress. pushed holds the last seq delivered
	// per run; lagging runs have recorded events missing from the push path.
	pushMu  sync.Mutex
	pushed  map[string]int64
	lagging map[string]struct{}

	wg sync.WaitGroup
}

// New wires a service. Call Start before triggering runs.
func New(cfg *config.Config, deps Deps) *Service {
	outboxSize := cfg.OutboxSize
	if outboxSize <= 0 {
		outboxSize = 1024
	}

	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		executor:  deps.Executor,
		publisher: deps.Publisher,
		eventLog:  deps.EventLog,
		metrics:   deps.Metrics,
		now:       time.Now,
		runs:      make(map[string]*runState),
		seqs:      make(map[string]*runSeq),
		outbox:    make(chan *protocol.Event, outboxSize),
		pushed:    make(map[string]int64),
		lagging:   make(map[string]struct{}),
	}

	var enqueuer tracker.Enqueuer
	if deps.LLM != nil {
		s.summarizer = summary.New(deps.LLM, summary.SinkFunc(s.applySummary), summary.Options{
			Model:     cfg.SummaryModel,
			Rate:      cfg.SummaryRate,
			QueueSize: cfg.SummaryQueue,
			MaxInput:  cfg.SummaryMaxInput,
			Timeout:   cfg.LLMTimeout,
		})
		enqueuer = s.summarizer
	}

	s.tracker = tracker.New(deps.Classifier, deps.Store, deps.DiffProvider, enqueuer, tracker.Options{
		DiffTimeout: cfg.DiffTimeout,
		MaxBytes:    cfg.DiffMaxBytes,
		MaxLines:    cfg.DiffMaxLines,
	})
	return s
}

// Start recovers interrupted runs and launches the background workers. They
// stop when ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.recoverRuns(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOutbox(ctx)
	}()

	if s.summarizer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.summarizer.Run(ctx)
		}()
	}

	if s.cfg.RetentionSweepInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunRetentionSweeper(ctx)
		}()
	}
	return nil
}

// Wait blocks until the background workers and run drivers have exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

// recoverRuns marks runs left unfinished by a previous process as errored.
// Their drivers died with that process and stages are never retried
// automatically.
func (s *Service) recoverRuns(ctx context.Context) error {
	runs, err := s.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		rs := newRunState(run)
		if s.markErrored(ctx, rs, "orchestrator restarted") {
			log.Printf("WARN: run %s was interrupted by a restart, marked errored", run.RunID)
		}
	}
	return nil
}
