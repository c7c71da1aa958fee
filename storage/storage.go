// Package storage owns the shared SQLite handle backing all Foreman state.
// Each entity kind gets one table; secondary indexes cover lookups by status,
// owning reference, and timestamp. Multi-entity operations run inside WithTx
// so that a task update, its worker flip, and the audit event commit together
// or not at all.
package storage

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 3,
	worker_id    TEXT NOT NULL DEFAULT '',
	project_id   TEXT NOT NULL DEFAULT '',
	result       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status     ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_project    ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

CREATE TABLE IF NOT EXISTS worker_templates (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT '',
	task_types    TEXT NOT NULL DEFAULT '[]',
	model         TEXT NOT NULL DEFAULT '',
	tools         TEXT NOT NULL DEFAULT '[]',
	skills        TEXT NOT NULL DEFAULT '[]',
	system_prompt TEXT NOT NULL DEFAULT '',
	review_every  INTEGER NOT NULL,
	max_parallel  INTEGER NOT NULL,
	status        TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_templates_status ON worker_templates(status);

CREATE TABLE IF NOT EXISTS workers (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL,
	task_id          TEXT NOT NULL,
	session_key      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	model            TEXT NOT NULL DEFAULT '',
	spawned_at       DATETIME NOT NULL,
	completed_at     DATETIME,
	last_activity_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workers_template ON workers(template_id);
CREATE INDEX IF NOT EXISTS idx_workers_task     ON workers(task_id);
CREATE INDEX IF NOT EXISTS idx_workers_status   ON workers(status);

CREATE TABLE IF NOT EXISTS deliverables (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL,
	task_id      TEXT NOT NULL,
	title        TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	format       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	reviewer     TEXT NOT NULL DEFAULT '',
	review_notes TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	delivered_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_deliverables_project ON deliverables(project_id);
CREATE INDEX IF NOT EXISTS idx_deliverables_task    ON deliverables(task_id);
CREATE INDEX IF NOT EXISTS idx_deliverables_status  ON deliverables(status);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	ref_kind   TEXT NOT NULL DEFAULT '',
	ref_id     TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL,
	message    TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ref        ON events(ref_kind, ref_id);
CREATE INDEX IF NOT EXISTS idx_events_type       ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	from_id    TEXT NOT NULL,
	to_id      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_to         ON messages(to_id, read);
CREATE INDEX IF NOT EXISTS idx_messages_from       ON messages(from_id);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
`

// Querier is the subset of database/sql satisfied by both *sql.DB and
// *sql.Tx. Store methods take a Querier so callers can compose them into
// one transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// DB wraps the shared SQLite connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures all
// tables exist. The caller is responsible for calling Close.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{sql: db}, nil
}

// Close releases the underlying database connection.
func (d *DB) Close() error { return d.sql.Close() }

// Querier returns a Querier bound to the database outside any transaction.
func (d *DB) Querier() Querier { return d.sql }

// WithTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise. Foreman's atomicity guarantee (no state change
// without its event, no task completion without its deliverable) rests on
// every multi-write operation going through here.
func (d *DB) WithTx(fn func(q Querier) error) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// NewID generates a random UUID string for entity identity.
func NewID() string { return uuid.NewString() }
