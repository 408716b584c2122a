// Package postgres provides a Postgres-backed job and listing store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	JobsTable       string
	ListingsTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// JobStore implements pipeline.JobStore on Postgres.
type JobStore struct {
	pool     pool
	jobs     string
	listings string
	now      func() time.Time
}

var _ pipeline.JobStore = (*JobStore)(nil)

// NewJobStore connects to Postgres using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.JobsTable, cfg.ListingsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, jobsTable, listingsTable string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if jobsTable == "" {
		jobsTable = "scrape_jobs"
	}
	if listingsTable == "" {
		listingsTable = "listings"
	}
	for _, table := range []string{jobsTable, listingsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &JobStore{
		pool:     p,
		jobs:     jobsTable,
		listings: listingsTable,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the job and listing tables when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	source TEXT NOT NULL,
	status TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error_text TEXT NOT NULL DEFAULT '',
	report_path TEXT NOT NULL DEFAULT '',
	report_uri TEXT NOT NULL DEFAULT '',
	collected INTEGER NOT NULL DEFAULT 0,
	dropped INTEGER NOT NULL DEFAULT 0,
	priced INTEGER NOT NULL DEFAULT 0
)`, s.jobs),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id TEXT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	title TEXT NOT NULL,
	price BIGINT,
	price_text TEXT NOT NULL,
	km BIGINT,
	km_text TEXT NOT NULL,
	bottom TEXT NOT NULL,
	tag TEXT NOT NULL,
	url TEXT NOT NULL,
	image TEXT NOT NULL,
	PRIMARY KEY (job_id, position)
)`, s.listings, s.jobs),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job pipeline.Job) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, source, status, submitted_at)
VALUES ($1, $2, $3, $4, $5)`, s.jobs)
	_, err := s.pool.Exec(ctx, query, job.ID, job.URL, job.Source, string(job.Status), job.Submitted)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", job.ID, pipeline.ErrJobExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob applies a status transition. Start and finish times are stamped
// by the store. Rows in a terminal status are left untouched.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, update pipeline.JobUpdate) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	error_text = $3,
	collected = $4,
	dropped = $5,
	priced = $6,
	report_path = COALESCE(NULLIF($7, ''), report_path),
	report_uri = COALESCE(NULLIF($8, ''), report_uri),
	started_at = CASE WHEN $9 AND started_at IS NULL THEN $11 ELSE started_at END,
	finished_at = CASE WHEN $10 THEN $11 ELSE finished_at END
WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'canceled')`, s.jobs)
	tag, err := s.pool.Exec(ctx, query,
		jobID,
		string(update.Status),
		update.ErrorText,
		update.Counters.Collected,
		update.Counters.Dropped,
		update.Counters.Priced,
		update.ReportPath,
		update.ReportURI,
		update.Status == pipeline.JobStatusRunning,
		update.Status.Terminal(),
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainSkippedUpdate(ctx, jobID)
	}
	return nil
}

func (s *JobStore) explainSkippedUpdate(ctx context.Context, jobID string) error {
	var status string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.jobs), jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", jobID, pipeline.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("select job status: %w", err)
	}
	return fmt.Errorf("%s is %s: %w", jobID, status, pipeline.ErrJobTerminal)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (pipeline.Job, error) {
	query := fmt.Sprintf(`
SELECT id, url, source, status, submitted_at, started_at, finished_at,
	error_text, report_path, report_uri, collected, dropped, priced
FROM %s WHERE id = $1`, s.jobs)

	var (
		job    pipeline.Job
		status string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.URL,
		&job.Source,
		&status,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.ErrorText,
		&job.ReportPath,
		&job.ReportURI,
		&job.Counters.Collected,
		&job.Counters.Dropped,
		&job.Counters.Priced,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Job{}, fmt.Errorf("%s: %w", jobID, pipeline.ErrJobNotFound)
	}
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = pipeline.JobStatus(status)
	return job, nil
}

// RecordListings replaces a job's listings in one transaction, keeping their order.
func (s *JobStore) RecordListings(ctx context.Context, jobID string, rows []listing.Listing) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, s.listings), jobID); err != nil {
		return fmt.Errorf("clear listings: %w", err)
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (job_id, position, title, price, price_text, km, km_text, bottom, tag, url, image)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.listings)
	for i, row := range rows {
		_, err = tx.Exec(ctx, insert,
			jobID, i, row.Title, row.Price, row.PriceText, row.KM, row.KMText,
			row.Bottom, row.Tag, row.URL, row.Image,
		)
		if err != nil {
			return fmt.Errorf("insert listing %d: %w", i, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit listings: %w", err)
	}
	return nil
}

// ListListings returns a job's listings in recorded order.
func (s *JobStore) ListListings(ctx context.Context, jobID string) ([]listing.Listing, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT title, price, price_text, km, km_text, bottom, tag, url, image
FROM %s WHERE job_id = $1 ORDER BY position`, s.listings)
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	defer rows.Close()

	var out []listing.Listing
	for rows.Next() {
		var l listing.Listing
		if err := rows.Scan(&l.Title, &l.Price, &l.PriceText, &l.KM, &l.KMText, &l.Bottom, &l.Tag, &l.URL, &l.Image); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}
