package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/ports"
)

const defaultVariantCount = 3

// StageTimeouts bounds how long a job waits for each correlated answer.
type StageTimeouts struct {
	Rename   time.Duration
	Variants time.Duration
	Export   time.Duration
	Upload   time.Duration
}

func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		Rename:   120 * time.Second,
		Variants: 180 * time.Second,
		Export:   300 * time.Second,
		Upload:   60 * time.Second,
	}
}

// PipelineConfig holds the orchestrator defaults a RunRequest may override.
type PipelineConfig struct {
	Workers      int
	VariantCount int
	Timeouts     StageTimeouts
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	def := DefaultStageTimeouts()
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.VariantCount <= 0 {
		c.VariantCount = defaultVariantCount
	}
	if c.Timeouts.Rename <= 0 {
		c.Timeouts.Rename = def.Rename
	}
	if c.Timeouts.Variants <= 0 {
		c.Timeouts.Variants = def.Variants
	}
	if c.Timeouts.Export <= 0 {
		c.Timeouts.Export = def.Export
	}
	if c.Timeouts.Upload <= 0 {
		c.Timeouts.Upload = def.Upload
	}
	return c
}

// Orchestrator drives frame sets through rename, variant generation, export
// and upload. Stage work happens in an executor reached over the Channel;
// scene mutations happen here between stages.
type Orchestrator struct {
	logger    *slog.Logger
	requestor *StageRequestor
	scene     ports.Scene
	repo      ports.RunRepository
	eventBus  *EventBus
	cfg       PipelineConfig

	claimMu sync.Mutex
	claimed map[string]domain.RunID
}

// NewOrchestrator wires the pipeline. repo and eventBus may be nil.
func NewOrchestrator(
	logger *slog.Logger,
	requestor *StageRequestor,
	scene ports.Scene,
	repo ports.RunRepository,
	eventBus *EventBus,
	cfg PipelineConfig,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		requestor: requestor,
		scene:     scene,
		repo:      repo,
		eventBus:  eventBus,
		cfg:       cfg.withDefaults(),
		claimed:   make(map[string]domain.RunID),
	}
}

// RunPlan is a validated run whose frame names are claimed. It must be
// passed to Execute exactly once.
type RunPlan struct {
	RunID   domain.RunID
	Request domain.RunRequest
	Workers int
	queue   *JobQueue
}

// Run validates req, runs every frame to a terminal stage and returns the
// summary. Validation errors are returned before any job starts; job
// failures only show up in the summary.
func (o *Orchestrator) Run(ctx context.Context, req domain.RunRequest) (domain.RunSummary, error) {
	plan, err := o.Plan(domain.NewRunID(), req)
	if err != nil {
		return domain.RunSummary{}, err
	}
	return o.Execute(ctx, plan), nil
}

// Plan validates req and claims its frame names for runID.
func (o *Orchestrator) Plan(runID domain.RunID, req domain.RunRequest) (*RunPlan, error) {
	if err := ValidateFrames(req.Frames); err != nil {
		return nil, err
	}
	if err := o.claim(runID, req.Frames); err != nil {
		return nil, err
	}

	workers := req.Concurrency
	if workers <= 0 {
		workers = o.cfg.Workers
	}
	return &RunPlan{
		RunID:   runID,
		Request: req,
		Workers: workers,
		queue:   NewJobQueue(runID, req.Frames),
	}, nil
}

// Execute drains the plan's queue with bounded concurrency and folds the
// outcome. When ctx is cancelled, the in-flight jobs fail as canceled and
// jobs never dequeued are reported as skipped.
func (o *Orchestrator) Execute(ctx context.Context, plan *RunPlan) domain.RunSummary {
	defer o.release(plan.RunID, plan.Request.Frames)

	for _, job := range plan.queue.Jobs() {
		o.saveJob(ctx, job)
	}

	o.logger.Info("run started", "run_id", plan.RunID, "frames", len(plan.Request.Frames), "workers", plan.Workers)
	o.publish(plan.RunID, "", EventTypeRunStarted, map[string]any{
		"frames":  len(plan.Request.Frames),
		"workers": plan.Workers,
	})

	scheduler := NewJobScheduler(o.logger, SchedulerConfig{Workers: plan.Workers})
	scheduler.Drain(ctx, plan.queue, func(ctx context.Context, job *domain.Job) {
		o.processJob(ctx, &jobRun{job: job, synthesize: plan.Request.SynthesizeImagery})
	})

	queued := plan.queue.Jobs()
	jobs := make([]domain.Job, len(queued))
	for i, job := range queued {
		jobs[i] = *job
	}
	summary := Aggregate(jobs)

	o.logger.Info("run finished",
		"run_id", plan.RunID,
		"completed", summary.JobsCompleted,
		"failed", summary.JobsFailed,
		"skipped", summary.JobsSkipped,
		"variants", summary.VariantsCreated,
		"uploads", summary.UploadsConfirmed,
	)
	o.publish(plan.RunID, "", EventTypeRunFinished, summary)
	return summary
}

func (o *Orchestrator) claim(runID domain.RunID, frames []domain.Frame) error {
	o.claimMu.Lock()
	defer o.claimMu.Unlock()

	// keyed like the export directories, so two runs never share one
	for _, f := range frames {
		if owner, taken := o.claimed[domain.SafeName(f.Name)]; taken {
			return fmt.Errorf("%w: %q by run %s", domain.ErrFrameNameInUse, f.Name, owner)
		}
	}
	for _, f := range frames {
		o.claimed[domain.SafeName(f.Name)] = runID
	}
	return nil
}

func (o *Orchestrator) release(runID domain.RunID, frames []domain.Frame) {
	o.claimMu.Lock()
	defer o.claimMu.Unlock()

	for _, f := range frames {
		key := domain.SafeName(f.Name)
		if o.claimed[key] == runID {
			delete(o.claimed, key)
		}
	}
}

// jobRun carries per-job state between stages.
type jobRun struct {
	job        *domain.Job
	synthesize bool
	upload     *Future[domain.Message]
}

type pipelineStep struct {
	stage domain.Stage
	run   func(context.Context, *jobRun) error
}

func (o *Orchestrator) processJob(ctx context.Context, jr *jobRun) {
	job := jr.job
	if ctx.Err() != nil {
		// never started: the job stays queued and is reported as skipped
		o.logger.Info("job skipped", "job_id", job.ID, "frame", job.FrameName, "error", ctx.Err())
		return
	}
	started := time.Now().UTC()
	job.StartedAt = &started

	steps := []pipelineStep{
		{domain.StageRenaming, o.rename},
		{domain.StageGeneratingVariants, o.generateVariants},
		{domain.StageExporting, o.export},
		{domain.StageUploading, o.awaitUpload},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			o.failJob(ctx, job, err)
			return
		}
		o.transition(ctx, job, step.stage)
		if err := step.run(ctx, jr); err != nil {
			o.failJob(ctx, job, err)
			return
		}
	}
	o.completeJob(ctx, job)
}

func (o *Orchestrator) rename(ctx context.Context, jr *jobRun) error {
	job := jr.job
	doc, err := o.scene.DescribeFrame(ctx, job.FrameID)
	if err != nil {
		return fmt.Errorf("describe frame: %w", err)
	}

	raw, err := o.requestor.Request(ctx, job.ID, domain.StageRenaming, job.FrameName, domain.RenameRequest{
		FrameName: job.FrameName,
		Elements:  doc.Elements,
	}, o.cfg.Timeouts.Rename)
	if err != nil {
		return err
	}

	var resp domain.RenameResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode rename response: %w", err)
	}
	if err := o.scene.ApplyNames(ctx, job.FrameID, resp.Names); err != nil {
		return fmt.Errorf("apply names: %w", err)
	}
	o.logger.Debug("elements renamed", "job_id", job.ID, "frame", job.FrameName, "renamed", len(resp.Names))
	return nil
}

func (o *Orchestrator) generateVariants(ctx context.Context, jr *jobRun) error {
	job := jr.job
	doc, err := o.scene.DescribeFrame(ctx, job.FrameID)
	if err != nil {
		return fmt.Errorf("describe frame: %w", err)
	}
	reference, err := o.scene.RenderReference(ctx, job.FrameID)
	if err != nil {
		return fmt.Errorf("render reference: %w", err)
	}

	raw, err := o.requestor.Request(ctx, job.ID, domain.StageGeneratingVariants, job.FrameName, domain.VariantRequest{
		FrameName:         job.FrameName,
		Elements:          doc.Elements,
		ReferenceImage:    reference,
		SynthesizeImagery: jr.synthesize,
		Count:             o.cfg.VariantCount,
	}, o.cfg.Timeouts.Variants)
	if err != nil {
		return err
	}

	var resp domain.VariantResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode variant response: %w", err)
	}

	created, err := o.scene.MaterializeVariants(ctx, job.FrameID, resp.Variants)
	job.VariantsCreated = len(created)
	if err != nil {
		return fmt.Errorf("materialize variants: %w", err)
	}
	return nil
}

// export arms both frame-keyed waits before triggering the export: the
// archiver may confirm the upload before this job gets to the upload stage.
func (o *Orchestrator) export(ctx context.Context, jr *jobRun) error {
	job := jr.job
	siblings, err := o.scene.Siblings(ctx, job.FrameID)
	if err != nil {
		return fmt.Errorf("list siblings: %w", err)
	}

	exported, err := o.requestor.Expect(domain.MessageExportComplete, job.FrameName, o.cfg.Timeouts.Export)
	if err != nil {
		return err
	}
	jr.upload, err = o.requestor.Expect(domain.MessageUploadConfirmed, job.FrameName, o.cfg.Timeouts.Export+o.cfg.Timeouts.Upload)
	if err != nil {
		return err
	}

	if err := o.scene.Export(ctx, job.FrameName, siblings); err != nil {
		return fmt.Errorf("trigger export: %w", err)
	}

	msg, err := exported.Await(ctx)
	if err != nil {
		return err
	}
	var result domain.ExportResult
	if err := msg.Decode(&result); err != nil {
		return err
	}
	job.ArtifactsExported = len(result.Artifacts)
	return nil
}

// awaitUpload tolerates a missing confirmation: the export already happened,
// so a timeout here only means the upload is not counted. The wait was armed
// before the export; Timeouts.Upload bounds it from the end of the export.
func (o *Orchestrator) awaitUpload(ctx context.Context, jr *jobRun) error {
	job := jr.job
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Upload)
	defer cancel()

	msg, err := jr.upload.Await(waitCtx)
	if errors.Is(err, domain.ErrTimeout) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		o.logger.Warn("upload confirmation timed out", "job_id", job.ID, "frame", job.FrameName)
		return nil
	}
	if err != nil {
		return err
	}

	job.UploadConfirmed = true
	var result domain.UploadResult
	if err := msg.Decode(&result); err != nil {
		o.logger.Warn("upload confirmed without location", "job_id", job.ID, "error", err)
		return nil
	}
	job.UploadLocation = result.Location
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, job *domain.Job, stage domain.Stage) {
	job.Stage = stage
	job.UpdatedAt = time.Now().UTC()
	o.logger.Info("job stage", "job_id", job.ID, "frame", job.FrameName, "stage", stage)
	o.saveJob(ctx, job)
	o.publish(job.RunID, job.ID, EventTypeJobStage, map[string]any{
		"frame": job.FrameName,
		"stage": stage,
	})
}

func (o *Orchestrator) completeJob(ctx context.Context, job *domain.Job) {
	now := time.Now().UTC()
	job.Stage = domain.StageCompleted
	job.UpdatedAt = now
	job.CompletedAt = &now

	o.logger.Info("job completed",
		"job_id", job.ID,
		"frame", job.FrameName,
		"variants", job.VariantsCreated,
		"artifacts", job.ArtifactsExported,
		"uploaded", job.UploadConfirmed,
	)
	o.saveJob(ctx, job)
	o.publish(job.RunID, job.ID, EventTypeJobCompleted, map[string]any{
		"frame":     job.FrameName,
		"variants":  job.VariantsCreated,
		"artifacts": job.ArtifactsExported,
		"uploaded":  job.UploadConfirmed,
	})
}

func (o *Orchestrator) failJob(ctx context.Context, job *domain.Job, err error) {
	o.requestor.Abandon(job.FrameName)

	now := time.Now().UTC()
	kind := domain.ClassifyError(err)
	job.Error = &domain.JobError{
		Stage:   job.Stage,
		Kind:    kind,
		Message: err.Error(),
	}
	job.Stage = domain.StageFailed
	job.UpdatedAt = now
	job.CompletedAt = &now

	o.logger.Error("job failed", "job_id", job.ID, "frame", job.FrameName, "stage", job.Error.Stage, "kind", kind, "error", err)
	o.saveJob(ctx, job)
	o.publish(job.RunID, job.ID, EventTypeJobFailed, job.Error)
}

func (o *Orchestrator) saveJob(ctx context.Context, job *domain.Job) {
	if o.repo == nil {
		return
	}
	// history must still be written when the run is being cancelled
	if err := o.repo.SaveJob(context.WithoutCancel(ctx), *job); err != nil {
		o.logger.Error("failed to save job", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) publish(runID domain.RunID, jobID domain.JobID, typ EventType, data any) {
	if o.eventBus == nil {
		return
	}
	o.eventBus.PublishJSON(runID, jobID, typ, data)
}
