package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/ports"
)

var ErrRunNotActive = errors.New("run is not active")

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// RunService runs orchestrator plans in the background and keeps their
// records in the repository.
type RunService struct {
	logger *slog.Logger
	orch   *Orchestrator
	repo   ports.RunRepository

	mu     sync.Mutex
	active map[domain.RunID]*activeRun
	wg     sync.WaitGroup
}

func NewRunService(logger *slog.Logger, orch *Orchestrator, repo ports.RunRepository) *RunService {
	return &RunService{
		logger: logger,
		orch:   orch,
		repo:   repo,
		active: make(map[domain.RunID]*activeRun),
	}
}

// Submit validates req, records the run and starts it. The run outlives ctx;
// stop it with Cancel or Shutdown.
func (s *RunService) Submit(ctx context.Context, req domain.RunRequest) (domain.Run, error) {
	runID := domain.NewRunID()
	plan, err := s.orch.Plan(runID, req)
	if err != nil {
		return domain.Run{}, err
	}

	run := domain.Run{
		ID:                runID,
		Status:            domain.RunStatusRunning,
		FrameCount:        len(req.Frames),
		Concurrency:       plan.Workers,
		SynthesizeImagery: req.SynthesizeImagery,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.repo.SaveRun(ctx, run); err != nil {
		s.orch.release(runID, req.Frames)
		return domain.Run{}, fmt.Errorf("save run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.active[runID] = ar
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(ar.done)
		defer cancel()
		s.execute(runCtx, plan, run)
	}()

	s.logger.Info("run submitted", "run_id", runID, "frames", run.FrameCount)
	return run, nil
}

func (s *RunService) execute(ctx context.Context, plan *RunPlan, run domain.Run) {
	summary := s.orch.Execute(ctx, plan)

	now := time.Now().UTC()
	run.Summary = &summary
	run.CompletedAt = &now
	run.Status = domain.RunStatusCompleted
	if err := ctx.Err(); err != nil {
		run.Status = domain.RunStatusCancelled
		msg := err.Error()
		run.Error = &msg
	}

	if err := s.repo.SaveRun(context.Background(), run); err != nil {
		s.logger.Error("failed to save run", "run_id", run.ID, "error", err)
	}

	s.mu.Lock()
	delete(s.active, run.ID)
	s.mu.Unlock()
}

func (s *RunService) Get(ctx context.Context, id domain.RunID) (domain.Run, error) {
	return s.repo.GetRun(ctx, id)
}

func (s *RunService) List(ctx context.Context) ([]domain.Run, error) {
	return s.repo.ListRuns(ctx)
}

// Jobs returns the last persisted state of every job of the run.
func (s *RunService) Jobs(ctx context.Context, id domain.RunID) ([]domain.Job, error) {
	if _, err := s.repo.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListRunJobs(ctx, id)
}

// Cancel stops a running run. Jobs not yet started are reported as skipped.
func (s *RunService) Cancel(ctx context.Context, id domain.RunID) error {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()

	if !ok {
		if _, err := s.repo.GetRun(ctx, id); err != nil {
			return err
		}
		return ErrRunNotActive
	}
	s.logger.Info("cancelling run", "run_id", id)
	ar.cancel()
	return nil
}

// Wait blocks until the run finishes or ctx is done and returns its record.
func (s *RunService) Wait(ctx context.Context, id domain.RunID) (domain.Run, error) {
	s.mu.Lock()
	ar, ok := s.active[id]
	s.mu.Unlock()

	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return domain.Run{}, ctx.Err()
		}
	}
	return s.repo.GetRun(ctx, id)
}

// Done returns a channel that is closed once the run has finished and its
// final record is saved. For runs that are not active it is already closed.
func (s *RunService) Done(id domain.RunID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ar, ok := s.active[id]; ok {
		return ar.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown cancels every active run and waits for them to be recorded.
func (s *RunService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, ar := range s.active {
		ar.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
