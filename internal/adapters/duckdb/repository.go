package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/variantforge/internal/core/ports"
)

// Repository stores run history and settings in a DuckDB file.
type Repository struct {
	db *sql.DB
}

var (
	_ ports.RunRepository      = (*Repository)(nil)
	_ ports.SettingsRepository = (*Repository)(nil)
)

var ErrSettingNotFound = errors.New("setting not found")

// NewRepository opens path (an empty path is an in-memory database) and
// applies the schema.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// DuckDB allows a single writer process; one connection keeps writes ordered.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id VARCHAR PRIMARY KEY,
		status VARCHAR NOT NULL,
		frame_count INTEGER NOT NULL,
		concurrency INTEGER NOT NULL,
		synthesize_imagery BOOLEAN NOT NULL,
		summary JSON,
		error VARCHAR,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id VARCHAR PRIMARY KEY,
		run_id VARCHAR NOT NULL,
		frame_id VARCHAR NOT NULL,
		frame_name VARCHAR NOT NULL,
		sequence_index INTEGER NOT NULL,
		stage VARCHAR NOT NULL,
		error JSON,
		variants_created INTEGER NOT NULL,
		artifacts_exported INTEGER NOT NULL,
		upload_confirmed BOOLEAN NOT NULL,
		upload_location VARCHAR,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_run_id ON jobs (run_id)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key VARCHAR PRIMARY KEY,
		value VARCHAR NOT NULL
	)`,
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	return value, err
}

func (r *Repository) SaveSetting(ctx context.Context, key string, value string) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
