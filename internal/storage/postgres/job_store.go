// Package postgres provides a Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/product-capture/internal/product"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore reads and writes jobs in a single table.
type JobStore struct {
	pool  dbPool
	table string
}

// NewJobStore connects to Postgres using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool dbPool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "capture_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the jobs table when it does not exist yet.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			result JSONB,
			last_error JSONB,
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			screenshot_uri TEXT NOT NULL DEFAULT ''
		)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// CreateJob inserts a new row.
func (s *JobStore) CreateJob(ctx context.Context, job product.Job) error {
	result, lastErr, err := encodeJSON(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, url, status, stage, progress, message, attempts, created_at, updated_at,
			started_at, finished_at, result, last_error, cache_hit, screenshot_uri
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, s.table)
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.URL,
		string(job.Status),
		string(job.Stage),
		job.Progress,
		job.Message,
		job.Attempts,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.FinishedAt,
		result,
		lastErr,
		job.CacheHit,
		job.ScreenshotURI,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob overwrites every mutable column of an existing row.
func (s *JobStore) UpdateJob(ctx context.Context, job product.Job) error {
	result, lastErr, err := encodeJSON(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $2, stage = $3, progress = $4, message = $5, attempts = $6,
			updated_at = $7, started_at = $8, finished_at = $9, result = $10,
			last_error = $11, cache_hit = $12, screenshot_uri = $13
		WHERE id = $1
	`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		string(job.Stage),
		job.Progress,
		job.Message,
		job.Attempts,
		job.UpdatedAt,
		job.StartedAt,
		job.FinishedAt,
		result,
		lastErr,
		job.CacheHit,
		job.ScreenshotURI,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", job.ID, product.ErrJobNotFound)
	}
	return nil
}

// GetJob loads one job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (product.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return product.Job{}, fmt.Errorf("get %s: %w", jobID, product.ErrJobNotFound)
	}
	if err != nil {
		return product.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// DeleteJob removes a row.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), jobID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", jobID, product.ErrJobNotFound)
	}
	return nil
}

// ListJobs returns jobs ordered by creation time, optionally filtered by status.
func (s *JobStore) ListJobs(ctx context.Context, statuses ...product.JobStatus) ([]product.Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at, id`, jobColumns, s.table))
	} else {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		rows, err = s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE status = ANY($1) ORDER BY created_at, id`, jobColumns, s.table),
			names)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []product.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *JobStore) Close() {
	s.pool.Close()
}

const jobColumns = `id, url, status, stage, progress, message, attempts, created_at, updated_at,
	started_at, finished_at, result, last_error, cache_hit, screenshot_uri`

func scanJob(row pgx.Row) (product.Job, error) {
	var (
		job             product.Job
		status, stage   string
		result, lastErr []byte
	)
	err := row.Scan(
		&job.ID,
		&job.URL,
		&status,
		&stage,
		&job.Progress,
		&job.Message,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&result,
		&lastErr,
		&job.CacheHit,
		&job.ScreenshotURI,
	)
	if err != nil {
		return product.Job{}, err //nolint:wrapcheck // callers add context
	}
	job.Status = product.JobStatus(status)
	job.Stage = product.Stage(stage)
	if len(result) > 0 {
		job.Result = &product.MergedRecord{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return product.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(lastErr) > 0 {
		job.LastError = &product.JobError{}
		if err := json.Unmarshal(lastErr, job.LastError); err != nil {
			return product.Job{}, fmt.Errorf("decode last_error: %w", err)
		}
	}
	return job, nil
}

// encodeJSON returns nil (SQL NULL) for absent values.
func encodeJSON(job product.Job) (any, any, error) {
	var result, lastErr any
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
		result = b
	}
	if job.LastError != nil {
		b, err := json.Marshal(job.LastError)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal last_error: %w", err)
		}
		lastErr = b
	}
	return result, lastErr, nil
}
