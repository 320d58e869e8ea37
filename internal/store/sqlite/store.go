// Package sqlite stores the queue in a SQLite database through database/sql.
//
// Every transaction must take the database write lock when it begins
// (BEGIN IMMEDIATE); otherwise two readers that both try to upgrade to a
// writer deadlock and one fails with SQLITE_BUSY. Open configures the driver
// that way. Callers passing their own *sql.DB to New are responsible for it.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"durable-job-queue/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store on a *sql.DB opened with the sqlite3 driver.
type Store struct {
	db *sql.DB
}

// New wraps an already opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn in one transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() // no-op after commit

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Migrate creates the queue tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	class_name              TEXT    NOT NULL,
	queue_name              TEXT    NOT NULL,
	arguments               BLOB,
	priority                INTEGER NOT NULL DEFAULT 0,
	scheduled_at            INTEGER NOT NULL,
	concurrency_key         TEXT,
	concurrency_limit       INTEGER,
	concurrency_duration_ms INTEGER NOT NULL DEFAULT 0,
	on_conflict             TEXT    NOT NULL DEFAULT 'block',
	lease_expires_at        INTEGER,
	created_at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_concurrency_key ON jobs (concurrency_key);

CREATE TABLE IF NOT EXISTS ready_executions (
	job_id     INTEGER PRIMARY KEY REFERENCES jobs (id) ON DELETE CASCADE,
	queue_name TEXT    NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ready_poll_all ON ready_executions (priority, job_id);
CREATE INDEX IF NOT EXISTS idx_ready_poll_by_queue ON ready_executions (queue_name, priority, job_id);

CREATE TABLE IF NOT EXISTS scheduled_executions (
	job_id       INTEGER PRIMARY KEY REFERENCES jobs (id) ON DELETE CASCADE,
	queue_name   TEXT    NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	scheduled_at INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_dispatch ON scheduled_executions (scheduled_at, priority, job_id);

CREATE TABLE IF NOT EXISTS blocked_executions (
	job_id          INTEGER PRIMARY KEY REFERENCES jobs (id) ON DELETE CASCADE,
	queue_name      TEXT    NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	concurrency_key TEXT    NOT NULL,
	expires_at      INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocked_release ON blocked_executions (concurrency_key, job_id);
CREATE INDEX IF NOT EXISTS idx_blocked_maintenance ON blocked_executions (expires_at, concurrency_key);

CREATE TABLE IF NOT EXISTS claimed_executions (
	job_id     INTEGER PRIMARY KEY REFERENCES jobs (id) ON DELETE CASCADE,
	queue_name TEXT    NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	process_id TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_executions (
	job_id     INTEGER PRIMARY KEY REFERENCES jobs (id) ON DELETE CASCADE,
	queue_name TEXT    NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	error      TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS semaphores (
	key        TEXT PRIMARY KEY,
	value      INTEGER NOT NULL CHECK (value >= 0),
	slot_limit INTEGER NOT NULL CHECK (slot_limit > 0),
	expires_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_semaphores_expires_at ON semaphores (expires_at);
`
