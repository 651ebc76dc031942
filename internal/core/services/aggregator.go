package services

import (
	"github.com/manthysbr/variantforge/internal/core/domain"
)

// Aggregate folds finished jobs into a RunSummary. It is pure: the same input
// always yields the same summary. Work done before a failure (variants,
// exported artifacts) is counted because it is already visible in the scene.
func Aggregate(jobs []domain.Job) domain.RunSummary {
	summary := domain.RunSummary{Failures: []domain.FailedJob{}}

	for _, job := range jobs {
		switch job.Stage {
		case domain.StageCompleted:
			summary.JobsCompleted++
		case domain.StageFailed:
			summary.JobsFailed++
			failure := domain.FailedJob{JobID: job.ID, FrameName: job.FrameName}
			if job.Error != nil {
				failure.Stage = job.Error.Stage
				failure.Kind = job.Error.Kind
				failure.Reason = job.Error.Message
			}
			summary.Failures = append(summary.Failures, failure)
		default:
			summary.JobsSkipped++
		}

		summary.VariantsCreated += job.VariantsCreated
		summary.ArtifactsExported += job.ArtifactsExported
		if job.UploadConfirmed {
			summary.UploadsConfirmed++
		}
	}

	return summary
}
