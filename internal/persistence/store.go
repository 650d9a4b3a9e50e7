// Package persistence is the relational store for the controller: projects,
// jobsets, evaluations, jobs, runs, builds, actions, tasks and logs, backed
// by SQLite in WAL mode.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "petrel-v1-ci-core"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath places the database under the user's data directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".petrel", "petrel.db")
}

// Open opens (creating if necessary) the database at path and brings the
// schema up to date. Every connection runs in WAL mode with a 10s busy
// timeout.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=10000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// WithTx runs f inside a transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff on top of the driver's busy timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stderr TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			log_id INTEGER NOT NULL REFERENCES logs(id),
			status INTEGER NOT NULL DEFAULT 0,
			time_started INTEGER,
			time_finished INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actions_path TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			flake INTEGER NOT NULL DEFAULT 1,
			homepage TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			last_refresh_task_id INTEGER REFERENCES tasks(id),
			name TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			url_locked TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS jobsets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			flake INTEGER NOT NULL DEFAULT 1,
			name TEXT NOT NULL,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			UNIQUE(project_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actions_path TEXT NOT NULL DEFAULT '',
			flake INTEGER NOT NULL DEFAULT 1,
			jobset_name TEXT NOT NULL,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			time_created INTEGER NOT NULL,
			url TEXT NOT NULL,
			uuid TEXT NOT NULL UNIQUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_jobset_url
			ON evaluations(jobset_name, url);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dist INTEGER NOT NULL DEFAULT 0,
			drv TEXT NOT NULL,
			evaluation_id INTEGER NOT NULL REFERENCES evaluations(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			out TEXT NOT NULL,
			system TEXT NOT NULL,
			tries INTEGER NOT NULL DEFAULT 0,
			UNIQUE(evaluation_id, system, name)
		);`,
		`CREATE TABLE IF NOT EXISTS builds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			drv TEXT NOT NULL,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			time_created INTEGER NOT NULL,
			uuid TEXT NOT NULL UNIQUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_drv ON builds(drv);`,
		`CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			input TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			time_created INTEGER NOT NULL,
			uuid TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			begin_id INTEGER REFERENCES actions(id),
			build_id INTEGER REFERENCES builds(id),
			end_id INTEGER REFERENCES actions(id),
			job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			num INTEGER NOT NULL,
			time_created INTEGER NOT NULL,
			UNIQUE(job_id, num)
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}
