// Package assistant – db.go opens the shared SQLite database and creates the
// schema used by sessions, memory, the scheduler and pending deliveries.
package assistant

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id      TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	canvas_state TEXT NOT NULL DEFAULT '[]',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE(user_id, agent_id)
);

CREATE TABLE IF NOT EXISTS session_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	blocks     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, id);

CREATE TABLE IF NOT EXISTS memory_facts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id   TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_facts_agent ON memory_facts(agent_id, id);

CREATE TABLE IF NOT EXISTS schedules (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	agent_id      TEXT NOT NULL,
	name          TEXT NOT NULL,
	prompt        TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	cron_expr     TEXT NOT NULL DEFAULT '',
	next_run_at   TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1,
	last_run_at   TEXT,
	last_error    TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);

CREATE TABLE IF NOT EXISTS pending_batches (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	source     TEXT NOT NULL,
	events     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	delivered  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pending_batches_user ON pending_batches(user_id, delivered);
`

// OpenDatabase opens (creating if needed) the SQLite database at path and
// ensures the schema exists. The DDL is idempotent, safe to run on every
// startup.
func OpenDatabase(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}
