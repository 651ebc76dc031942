package domain

import (
	"time"

	"github.com/google/uuid"
)

type JobID string

// NewJobID returns a fresh random job identifier.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// Stage is a job's position in the fixed pipeline.
type Stage string

const (
	StageQueued             Stage = "queued"
	StageRenaming           Stage = "renaming"
	StageGeneratingVariants Stage = "generating_variants"
	StageExporting          Stage = "exporting"
	StageUploading          Stage = "uploading"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
)

// PipelineStages lists the working stages in execution order.
var PipelineStages = []Stage{
	StageRenaming,
	StageGeneratingVariants,
	StageExporting,
	StageUploading,
}

// Terminal reports whether no further transition can happen from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// JobError records where and why a job stopped.
type JobError struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is one frame's run through the pipeline.
type Job struct {
	ID                JobID      `json:"id"`
	RunID             RunID      `json:"run_id"`
	FrameID           FrameID    `json:"frame_id"`
	FrameName         string     `json:"frame_name"`
	SequenceIndex     int        `json:"sequence_index"`
	Stage             Stage      `json:"stage"`
	Error             *JobError  `json:"error,omitempty"`
	VariantsCreated   int        `json:"variants_created"`
	ArtifactsExported int        `json:"artifacts_exported"`
	UploadConfirmed   bool       `json:"upload_confirmed"`
	UploadLocation    string     `json:"upload_location,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a queued job for frame at the given queue position.
func NewJob(runID RunID, frame Frame, sequence int) Job {
	now := time.Now().UTC()
	return Job{
		ID:            NewJobID(),
		RunID:         runID,
		FrameID:       frame.ID,
		FrameName:     frame.Name,
		SequenceIndex: sequence,
		Stage:         StageQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
