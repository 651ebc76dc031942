package duckdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	var jobErr *string
	if job.Error != nil {
		raw, err := json.Marshal(job.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal job error: %w", err)
		}
		s := string(raw)
		jobErr = &s
	}

	query := `
	INSERT INTO jobs (id, run_id, frame_id, frame_name, sequence_index, stage, error,
		variants_created, artifacts_exported, upload_confirmed, upload_location,
		created_at, updated_at, started_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		stage = excluded.stage,
		error = excluded.error,
		variants_created = excluded.variants_created,
		artifacts_exported = excluded.artifacts_exported,
		upload_confirmed = excluded.upload_confirmed,
		upload_location = excluded.upload_location,
		updated_at = excluded.updated_at,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at;
	`
	_, err := r.db.ExecContext(ctx, query,
		string(job.ID), string(job.RunID), string(job.FrameID), job.FrameName, job.SequenceIndex,
		string(job.Stage), jobErr, job.VariantsCreated, job.ArtifactsExported, job.UploadConfirmed,
		job.UploadLocation, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt,
	)
	return err
}

func (r *Repository) ListRunJobs(ctx context.Context, id domain.RunID) ([]domain.Job, error) {
	query := `
	SELECT id, run_id, frame_id, frame_name, sequence_index, stage, CAST(error AS TEXT),
		variants_created, artifacts_exported, upload_confirmed, upload_location,
		created_at, updated_at, started_at, completed_at
	FROM jobs WHERE run_id = ? ORDER BY sequence_index`

	rows, err := r.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		var (
			job                          domain.Job
			jobID, runID, frameID, stage string
			errJSON, location            *string
		)
		if err := rows.Scan(&jobID, &runID, &frameID, &job.FrameName, &job.SequenceIndex, &stage, &errJSON,
			&job.VariantsCreated, &job.ArtifactsExported, &job.UploadConfirmed, &location,
			&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt); err != nil {
			return nil, err
		}
		job.ID = domain.JobID(jobID)
		job.RunID = domain.RunID(runID)
		job.FrameID = domain.FrameID(frameID)
		job.Stage = domain.Stage(stage)
		if location != nil {
			job.UploadLocation = *location
		}
		if errJSON != nil {
			var jobErr domain.JobError
			if err := json.Unmarshal([]byte(*errJSON), &jobErr); err != nil {
				return nil, fmt.Errorf("failed to unmarshal job error: %w", err)
			}
			job.Error = &jobErr
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
