package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/repository"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// runState is the live state of a run owned by its driver. Every mutation of
// run happens under mu.
type runState struct {
	mu          sync.Mutex
	run         *domain.Run
	dispatcher  *hooks.Dispatcher
	cancelStage context.CancelFunc
	done        chan struct{}
}

func newRunState(run *domain.Run) *runState {
	return &runState{run: run, done: make(chan struct{})}
}

// TriggerResult describes the run a trigger resolved to.
type TriggerResult struct {
	RunID     string
	Duplicate bool
}

type flightResult struct {
	TriggerResult
	owner string
}

// Trigger validates a request and starts a run. A request whose idempotency
// key is already bound resolves to the existing run with Duplicate set;
// concurrent requests sharing a key create at most one run.
func (s *Service) Trigger(ctx context.Context, req protocol.TriggerRequest) (*TriggerResult, error) {
	run, err := s.buildRun(ctx, req)
	if err != nil {
		s.metrics.ObserveTrigger("invalid")
		return nil, err
	}

	if run.IdempotencyKey == "" {
		if err := s.startRun(ctx, run); err != nil {
			return nil, err
		}
		s.metrics.ObserveTrigger("accepted")
		return &TriggerResult{RunID: run.RunID}, nil
	}

	token := uuid.New().String()
	v, err, _ := s.triggers.Do(run.IdempotencyKey, func() (interface{}, error) {
		res, err := s.createOnce(ctx, run)
		if err != nil {
			return nil, err
		}
		return &flightResult{TriggerResult: *res, owner: token}, nil
	})
	if err != nil {
		return nil, err
	}

	fr := v.(*flightResult)
	res := fr.TriggerResult
	// Callers that joined another caller's flight lost the race.
	if fr.owner != token {
		res.Duplicate = true
	}
	if res.Duplicate {
		s.metrics.ObserveTrigger("duplicate")
	} else {
		s.metrics.ObserveTrigger("accepted")
	}
	return &res, nil
}

func (s *Service) createOnce(ctx context.Context, run *domain.Run) (*TriggerResult, error) {
	notBefore := s.now().UTC().Add(-s.cfg.IdempotencyTTL)
	if s.cfg.IdempotencyTTL <= 0 {
		notBefore = time.Time{}
	}

	existing, err := s.store.FindRunByIdempotencyKey(ctx, run.IdempotencyKey, notBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if existing != "" {
		return &TriggerResult{RunID: existing, Duplicate: true}, nil
	}

	err = s.startRun(ctx, run)
	if errors.Is(err, store.ErrDuplicateKey) {
		// Bound by another process or an expired binding not yet swept.
		existing, ferr := s.store.FindRunByIdempotencyKey(ctx, run.IdempotencyKey, time.Time{})
		if ferr != nil {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", ferr)
		}
		return &TriggerResult{RunID: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &TriggerResult{RunID: run.RunID}, nil
}

// buildRun validates a trigger request and resolves stage order and models.
func (s *Service) buildRun(ctx context.Context, req protocol.TriggerRequest) (*domain.Run, error) {
	taskID := strings.TrimSpace(req.TaskID)
	parentRunID := strings.TrimSpace(req.PatchOf)

	if parentRunID != "" {
		parent, err := s.store.GetRun(ctx, parentRunID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}
		if parent == nil {
			return nil, fmt.Errorf("%w: patch_of run %s not found", domain.ErrInvalidTrigger, parentRunID)
		}
		if taskID == "" {
			taskID = parent.TaskID
		}
		if taskID != parent.TaskID {
			return nil, fmt.Errorf("%w: patch_of run belongs to task %s", domain.ErrInvalidTrigger, parent.TaskID)
		}
	}
	if taskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", domain.ErrInvalidTrigger)
	}

	stages, err := domain.NormalizeStages(req.WorkflowStages)
	if err != nil {
		return nil, err
	}
	overrides, err := domain.ParseStageModels(req.StageModels)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	run := &domain.Run{
		RunID:          "run_" + uuid.New().String()[:8],
		TaskID:         taskID,
		ParentRunID:    parentRunID,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		QueuedStages:   stages,
		StageModels:    make(map[domain.Stage]string, len(stages)),
		StageStates:    make(map[domain.Stage]domain.SubState, len(stages)),
		CurrentStage:   stages[0],
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, stage := range stages {
		run.StageModels[stage] = s.resolveModel(stage, overrides)
		run.StageStates[stage] = domain.SubStatePending
	}
	return run, nil
}

// resolveModel picks a stage's model: per-run override, then the workflow
// default, then the global fallback.
func (s *Service) resolveModel(stage domain.Stage, overrides map[domain.Stage]string) string {
	if model, ok := overrides[stage]; ok && model != "" {
		return model
	}
	if model, ok := s.cfg.Workflow.DefaultModel(stage); ok {
		return model
	}
	if s.cfg.Workflow.FallbackModel != "" {
		return s.cfg.Workflow.FallbackModel
	}
	return domain.ModelSonnet
}

// startRun persists a new run and launches its driver.
func (s *Service) startRun(ctx context.Context, run *domain.Run) error {
	if err := s.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return err
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	rs := newRunState(run)
	rs.dispatcher = s.newDispatcher(rs)

	s.mu.Lock()
	s.runs[run.RunID] = rs
	s.mu.Unlock()
	s.metrics.RunStarted()

	log.Printf("INFO: run %s created for task %s with stages %v", run.RunID, run.TaskID, run.QueuedStages)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drive(rs)
	}()
	return nil
}

func (s *Service) activeRun(runID string) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

// drive executes the queued stages of a run in order. It is the only
// goroutine advancing the run's stages.
func (s *Service) drive(rs *runState) {
	ctx := context.Background()
	defer func() {
		rs.mu.Lock()
		outcome := "completed"
		if rs.run.Errored {
			outcome = "errored"
		}
		rs.mu.Unlock()
		s.metrics.RunFinished(outcome)
		if f, ok := s.executor.(interface{ Forget(runID string) }); ok {
			f.Forget(rs.run.RunID)
		}

		s.mu.Lock()
		delete(s.runs, rs.run.RunID)
		s.mu.Unlock()
		close(rs.done)
	}()

	stages := rs.run.QueuedStages
	for i, stage := range stages {
		stageCtx, cancel := s.stageContext()
		req, ok := s.enterStage(ctx, rs, stage, cancel)
		if !ok {
			cancel()
			return
		}

		started := s.now()
		err := s.executor.RunStage(stageCtx, req, rs.dispatcher)
		cancel()

		if err != nil {
			s.metrics.ObserveStage(string(stage), "errored", s.now().Sub(started))
			s.markErrored(ctx, rs, fmt.Sprintf("%s failed: %v", stage, err))
			return
		}
		s.metrics.ObserveStage(string(stage), "completed", s.now().Sub(started))
		if !s.completeStage(ctx, rs, stage, i == len(stages)-1) {
			return
		}
	}
}

func (s *Service) stageContext() (context.Context, context.CancelFunc) {
	if s.cfg.StageTimeout > 0 {
		return context.WithTimeout(context.Background(), s.cfg.StageTimeout)
	}
	return context.WithCancel(context.Background())
}

// enterStage moves the run into stage and emits the transition. It reports
// false when the run already reached a terminal state.
func (s *Service) enterStage(ctx context.Context, rs *runState, stage domain.Stage, cancel context.CancelFunc) (domain.StageRequest, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	run := rs.run
	if run.Terminal() {
		return domain.StageRequest{}, false
	}

	from := ""
	if run.StageStates[run.CurrentStage] != domain.SubStatePending {
		from = string(run.CurrentStage)
	}
	now := s.now().UTC()
	run.CurrentStage = stage
	run.StageStates[stage] = domain.SubStateRunning
	run.Progress = domain.StageProgress{Stage: stage, LastActivity: now}
	run.UpdatedAt = now
	rs.cancelStage = cancel

	if err := s.store.UpdateRun(ctx, run); err != nil {
		log.Printf("ERROR: failed to persist run %s entering %s: %v", run.RunID, stage, err)
	}
	model := run.StageModels[stage]
	s.emit(ctx, run.RunID, run.TaskID, protocol.StageTransition{FromStage: from, ToStage: string(stage), Model: model})

	return domain.StageRequest{
		RunID:       run.RunID,
		TaskID:      run.TaskID,
		ParentRunID: run.ParentRunID,
		Stage:       stage,
		Model:       model,
	}, true
}

// completeStage marks stage completed and, after the last stage, the run.
func (s *Service) completeStage(ctx context.Context, rs *runState, stage domain.Stage, last bool) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	run := rs.run
	if run.Terminal() {
		return false
	}

	now := s.now().UTC()
	run.StageStates[stage] = domain.SubStateCompleted
	run.Progress.FilesTouched = s.tracker.Count(run.RunID)
	run.UpdatedAt = now
	rs.cancelStage = nil
	if last {
		run.Completed = true
		run.CurrentStage = domain.StageCompleted
		run.ArchivedAt = &now
	}

	if err := s.store.UpdateRun(ctx, run); err != nil {
		log.Printf("ERROR: failed to persist run %s after %s: %v", run.RunID, stage, err)
	}
	if last {
		s.emit(ctx, run.RunID, run.TaskID, protocol.StageTransition{
			FromStage: string(stage),
			ToStage:   string(domain.StageCompleted),
			Model:     run.StageModels[stage],
		})
		log.Printf("INFO: run %s completed", run.RunID)
	}
	return !last
}

// markErrored moves the run to the permanent errored state and cancels the
// running stage. It reports false when the run was already terminal.
func (s *Service) markErrored(ctx context.Context, rs *runState, message string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	run := rs.run
	if run.Terminal() {
		return false
	}

	now := s.now().UTC()
	from := run.CurrentStage
	if run.StageStates[from] == domain.SubStateRunning {
		run.StageStates[from] = domain.SubStateErrored
	}
	run.Errored = true
	run.ErrorMessage = message
	run.CurrentStage = domain.StageErrored
	run.UpdatedAt = now
	run.ArchivedAt = &now
	if rs.cancelStage != nil {
		rs.cancelStage()
		rs.cancelStage = nil
	}

	if err := s.store.UpdateRun(ctx, run); err != nil {
		log.Printf("ERROR: failed to persist errored run %s: %v", run.RunID, err)
	}
	s.emit(ctx, run.RunID, run.TaskID, protocol.StageTransition{
		FromStage: string(from),
		ToStage:   string(domain.StageErrored),
		Model:     run.StageModels[from],
		Error:     message,
	})
	log.Printf("WARN: run %s errored: %s", run.RunID, message)
	return true
}
