package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type RunID string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// RunRequest is the orchestrator entry point input.
type RunRequest struct {
	Frames            []Frame `json:"frames"`
	Concurrency       int     `json:"concurrency"`
	SynthesizeImagery bool    `json:"synthesize_imagery"`
}

// FailedJob is the diagnostic record exposed for each failed job.
type FailedJob struct {
	JobID     JobID     `json:"job_id"`
	FrameName string    `json:"frame_name"`
	Stage     Stage     `json:"stage"`
	Kind      ErrorKind `json:"kind"`
	Reason    string    `json:"reason"`
}

// RunSummary is the final aggregate report of a run.
type RunSummary struct {
	JobsCompleted     int         `json:"jobs_completed"`
	JobsFailed        int         `json:"jobs_failed"`
	JobsSkipped       int         `json:"jobs_skipped"`
	VariantsCreated   int         `json:"variants_created"`
	ArtifactsExported int         `json:"artifacts_exported"`
	UploadsConfirmed  int         `json:"uploads_confirmed"`
	Failures          []FailedJob `json:"failures"`
}

// Total is the number of jobs the summary accounts for.
func (s RunSummary) Total() int {
	return s.JobsCompleted + s.JobsFailed + s.JobsSkipped
}

// Run is the persisted record of one orchestrator run.
type Run struct {
	ID                RunID       `json:"id"`
	Status            RunStatus   `json:"status"`
	FrameCount        int         `json:"frame_count"`
	Concurrency       int         `json:"concurrency"`
	SynthesizeImagery bool        `json:"synthesize_imagery"`
	Summary           *RunSummary `json:"summary,omitempty"`
	Error             *string     `json:"error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
}

var (
	ErrRunNotFound = errors.New("run not found")
	ErrNoFrames    = errors.New("frame set is empty")
)
