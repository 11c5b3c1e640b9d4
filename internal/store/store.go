// Package store is Conductor's persistence layer: an embedded SQLite
// database holding tasks, agents, pipelines, PR lifecycles, quota usage,
// and chat messages. Ported from original_source/conductor/db.py onto
// database/sql with modernc.org/sqlite (pure Go, no cgo), following the
// single-writer-connection pattern hugo-lorenzo-mato-quorum-ai uses for
// its own embedded store.
package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	branch TEXT NOT NULL DEFAULT '',
	workspace TEXT NOT NULL DEFAULT '',
	depends_on TEXT NOT NULL DEFAULT '[]',
	block_reason TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 2,
	flake_retries INTEGER NOT NULL DEFAULT 0,
	quota_retries INTEGER NOT NULL DEFAULT 0,
	pipeline_id INTEGER,
	pipeline_step INTEGER NOT NULL DEFAULT 0,
	pr_lifecycle_id INTEGER,
	pr_number INTEGER,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	metadata TEXT NOT NULL DEFAULT '{}',
	FOREIGN KEY(pipeline_id) REFERENCES pipelines(id),
	FOREIGN KEY(pr_lifecycle_id) REFERENCES pr_lifecycles(id)
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	task_id INTEGER NOT NULL,
	workspace TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	request_count INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(task_id) REFERENCES tasks(id)
);

CREATE TABLE IF NOT EXISTS pipelines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	total_steps INTEGER NOT NULL DEFAULT 0,
	task_ids TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pr_lifecycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pr_number INTEGER,
	branch TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	iteration INTEGER NOT NULL DEFAULT 0,
	max_iterations INTEGER NOT NULL DEFAULT 3,
	ci_fix_count INTEGER NOT NULL DEFAULT 0,
	precheck_retry_count INTEGER NOT NULL DEFAULT 0,
	bot_comments_total INTEGER NOT NULL DEFAULT 0,
	bot_comments_resolved INTEGER NOT NULL DEFAULT 0,
	pipeline_id INTEGER,
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY(pipeline_id) REFERENCES pipelines(id)
);

CREATE TABLE IF NOT EXISTS quota_usage (
	date TEXT PRIMARY KEY,
	agent_requests INTEGER NOT NULL DEFAULT 0,
	prompts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_agents_task ON agents(task_id);
CREATE INDEX IF NOT EXISTS idx_chat_conversation ON chat_messages(conversation_id);
`

// Store wraps the single writer connection to Conductor's SQLite database.
// Mirrors original_source/conductor/db.py's _get_conn pattern, but a single
// *sql.DB with SetMaxOpenConns(1) replaces the thread-local-connection
// approach: database/sql already serializes access to a single underlying
// connection, so reads and writes through one Store never run in parallel.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, applying
// the schema and the same PRAGMAs original_source/conductor/db.py's
// init_db sets: WAL journaling and foreign key enforcement.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}
