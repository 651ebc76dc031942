package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

func (r *Repository) SaveRun(ctx context.Context, run domain.Run) error {
	var summary *string
	if run.Summary != nil {
		raw, err := json.Marshal(run.Summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		s := string(raw)
		summary = &s
	}

	query := `
	INSERT INTO runs (id, status, frame_count, concurrency, synthesize_imagery, summary, error, created_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		summary = excluded.summary,
		error = excluded.error,
		completed_at = excluded.completed_at;
	`
	_, err := r.db.ExecContext(ctx, query,
		string(run.ID), string(run.Status), run.FrameCount, run.Concurrency, run.SynthesizeImagery,
		summary, run.Error, run.CreatedAt, run.CompletedAt,
	)
	return err
}

const runColumns = `id, status, frame_count, concurrency, synthesize_imagery, CAST(summary AS TEXT), error, created_at, completed_at`

func (r *Repository) GetRun(ctx context.Context, id domain.RunID) (domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, string(id))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return run, err
}

func (r *Repository) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (domain.Run, error) {
	var (
		run         domain.Run
		id, status  string
		summaryJSON *string
	)
	if err := s.Scan(&id, &status, &run.FrameCount, &run.Concurrency, &run.SynthesizeImagery,
		&summaryJSON, &run.Error, &run.CreatedAt, &run.CompletedAt); err != nil {
		return domain.Run{}, err
	}
	run.ID = domain.RunID(id)
	run.Status = domain.RunStatus(status)

	if summaryJSON != nil {
		var summary domain.RunSummary
		if err := json.Unmarshal([]byte(*summaryJSON), &summary); err != nil {
			return domain.Run{}, fmt.Errorf("failed to unmarshal summary: %w", err)
		}
		run.Summary = &summary
	}
	return run, nil
}
