// Package sqlite persists dedup records in a local SQLite database so
// duplicate detection survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/docrag/intake/internal/dedup"
	"github.com/docrag/intake/internal/dedup/sqlite/migrations"
)

// Store is a SQLite-backed dedup.Store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path and applies pending
// migrations. WAL mode keeps readers unblocked while workers write.
func NewStore(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open dedup db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping dedup db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// migrate applies embedded migrations in filename order, tracking each one
// in schema_migrations.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(entries)

	for _, name := range entries {
		var applied int
		err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}
		stmt, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(stmt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// Lookup implements dedup.Store.
func (s *Store) Lookup(ctx context.Context, digest string) (dedup.Record, bool, error) {
	var rec dedup.Record
	err := s.db.QueryRowContext(ctx,
		`SELECT digest, paper_id, path, parser, result_json, processed_at
		 FROM processed_documents WHERE digest = ?`, digest,
	).Scan(&rec.Digest, &rec.PaperID, &rec.Path, &rec.Parser, &rec.ResultJSON, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return dedup.Record{}, false, nil
	}
	if err != nil {
		return dedup.Record{}, false, fmt.Errorf("lookup digest: %w", err)
	}
	return rec, true, nil
}

// Save implements dedup.Store.
func (s *Store) Save(ctx context.Context, rec dedup.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_documents (digest, paper_id, path, parser, result_json, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(digest) DO UPDATE SET
		   paper_id = excluded.paper_id,
		   path = excluded.path,
		   parser = excluded.parser,
		   result_json = excluded.result_json,
		   processed_at = excluded.processed_at`,
		rec.Digest, rec.PaperID, rec.Path, rec.Parser, rec.ResultJSON, rec.ProcessedAt.UTC())
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Count implements dedup.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Close implements dedup.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
