// Package postgres archives terminal jobs for offline audit. The archive is
// optional; the service runs fully without it.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docrag/intake/internal/intake"
)

// Table names come from configuration, so they are validated rather than
// interpolated blindly.
var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// execCloser is the subset of pgxpool.Pool the archive uses. pgxmock
// implements it in tests.
type execCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// JobArchive writes one row per terminal job.
type JobArchive struct {
	db    execCloser
	table string
}

// NewJobArchive connects a pool to the given table.
func NewJobArchive(ctx context.Context, connString, table string) (*JobArchive, error) {
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid archive table name %q", table)
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect archive db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive db: %w", err)
	}
	a := &JobArchive{db: pool, table: table}
	if err := a.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// newJobArchiveWithDB wires a prebuilt connection, for tests.
func newJobArchiveWithDB(db execCloser, table string) (*JobArchive, error) {
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid archive table name %q", table)
	}
	return &JobArchive{db: db, table: table}, nil
}

func (a *JobArchive) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		job_id       TEXT PRIMARY KEY,
		paper_id     TEXT NOT NULL,
		status       TEXT NOT NULL,
		digest       TEXT NOT NULL DEFAULT '',
		error_text   TEXT NOT NULL DEFAULT '',
		result       JSONB,
		created_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL
	)`, a.table)
	if _, err := a.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

// Archive inserts a terminal job. Replays of the same job id are ignored so
// the worker can archive without caring about at-least-once delivery.
func (a *JobArchive) Archive(ctx context.Context, job intake.Job) error {
	if !job.Status.Terminal() || job.CompletedAt == nil {
		return fmt.Errorf("job %s is not terminal", job.ID)
	}
	var resultJSON []byte
	if job.Result != nil {
		var err error
		resultJSON, err = json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	stmt := fmt.Sprintf(`INSERT INTO %s
		(job_id, paper_id, status, digest, error_text, result, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO NOTHING`, a.table)
	_, err := a.db.Exec(ctx, stmt,
		job.ID, job.PaperID, string(job.Status), job.Digest, job.ErrorText,
		resultJSON, job.CreatedAt, *job.CompletedAt)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

// Close releases the pool.
func (a *JobArchive) Close() {
	a.db.Close()
}
