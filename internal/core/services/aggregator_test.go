package services

import (
	"testing"

	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestAggregate_CountsByFinalStage(t *testing.T) {
	jobs := []domain.Job{
		{ID: "1", FrameName: "1_a", Stage: domain.StageCompleted, VariantsCreated: 3, ArtifactsExported: 4, UploadConfirmed: true},
		{ID: "2", FrameName: "2_b", Stage: domain.StageCompleted, VariantsCreated: 3, ArtifactsExported: 4},
		{ID: "3", FrameName: "3_c", Stage: domain.StageFailed, VariantsCreated: 2, Error: &domain.JobError{
			Stage: domain.StageExporting, Kind: domain.ErrorKindTimeout, Message: "timed out",
		}},
		{ID: "4", FrameName: "4_d", Stage: domain.StageQueued},
	}

	summary := Aggregate(jobs)

	assert.Equal(t, 2, summary.JobsCompleted)
	assert.Equal(t, 1, summary.JobsFailed)
	assert.Equal(t, 1, summary.JobsSkipped)
	assert.Equal(t, 4, summary.Total())
	assert.Equal(t, 8, summary.VariantsCreated, "variants of the failed job still count")
	assert.Equal(t, 8, summary.ArtifactsExported)
	assert.Equal(t, 1, summary.UploadsConfirmed)

	assert.Equal(t, []domain.FailedJob{{
		JobID:     "3",
		FrameName: "3_c",
		Stage:     domain.StageExporting,
		Kind:      domain.ErrorKindTimeout,
		Reason:    "timed out",
	}}, summary.Failures)
}

func TestAggregate_Idempotent(t *testing.T) {
	jobs := []domain.Job{
		{ID: "1", Stage: domain.StageCompleted, VariantsCreated: 2},
		{ID: "2", Stage: domain.StageFailed, Error: &domain.JobError{Stage: domain.StageRenaming, Kind: domain.ErrorKindStage}},
	}

	assert.Equal(t, Aggregate(jobs), Aggregate(jobs))
}

func TestAggregate_Empty(t *testing.T) {
	summary := Aggregate(nil)
	assert.Equal(t, 0, summary.Total())
	assert.NotNil(t, summary.Failures)
}
