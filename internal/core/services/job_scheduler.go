package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 3

// SchedulerConfig defines the worker pool size
type SchedulerConfig struct {
	Workers int
}

// JobHandler drives one job to a terminal stage. It owns the job until it returns.
type JobHandler func(ctx context.Context, job *domain.Job)

// JobScheduler runs a fixed number of workers over a JobQueue.
type JobScheduler struct {
	logger  *slog.Logger
	workers int
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &JobScheduler{
		logger:  logger,
		workers: workers,
	}
}

// Workers returns the configured concurrency.
func (s *JobScheduler) Workers() int {
	return s.workers
}

// Drain starts the workers and blocks until every one of them has returned.
// A worker stops when the queue is empty or ctx is done; jobs left in the
// queue after cancellation stay in the queued stage.
func (s *JobScheduler) Drain(ctx context.Context, queue *JobQueue, handler JobHandler) {
	workers := min(s.workers, max(queue.Len(), 1))
	s.logger.Info("starting workers", "workers", workers, "jobs", queue.Len())

	var g errgroup.Group
	for i := range workers {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			s.work(ctx, workerID, queue, handler)
			return nil
		})
	}
	_ = g.Wait()

	if left := queue.Len(); left > 0 {
		s.logger.Warn("workers stopped with jobs still queued", "queued", left, "error", ctx.Err())
	}
}

func (s *JobScheduler) work(ctx context.Context, workerID string, queue *JobQueue, handler JobHandler) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok := queue.Pop()
		if !ok {
			return
		}
		s.logger.Debug("job dequeued", "worker", workerID, "job_id", job.ID, "frame", job.FrameName)
		s.runOne(ctx, workerID, job, handler)
	}
}

// runOne isolates a panicking handler so the worker keeps draining.
func (s *JobScheduler) runOne(ctx context.Context, workerID string, job *domain.Job, handler JobHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job handler panicked", "worker", workerID, "job_id", job.ID, "panic", r)
			if !job.Stage.Terminal() {
				job.Error = &domain.JobError{
					Stage:   job.Stage,
					Kind:    domain.ErrorKindUnexpected,
					Message: fmt.Sprintf("panic: %v", r),
				}
				job.Stage = domain.StageFailed
			}
		}
	}()
	handler(ctx, job)
}
