// Package sqlite provides the SQLite implementation of the ChatSense
// storage interfaces. It is the default single-node backend.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Schema contains the SQL statements to create the database schema.
const Schema = `
-- Tasks: durable enrichment work queue
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL,
    room_id TEXT NOT NULL DEFAULT '',
    task_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 5,
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    claimed_by TEXT,
    claimed_at TIMESTAMP,
    available_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

-- Enforces at most one non-terminal task per (message, type).
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active
    ON tasks(message_id, task_type)
    WHERE status IN ('pending', 'in_progress', 'failed');

CREATE INDEX IF NOT EXISTS idx_tasks_claim
    ON tasks(status, priority DESC, created_at);

-- Raw inbound messages (window-scoped batch processing)
CREATE TABLE IF NOT EXISTS messages (
    message_id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    sender TEXT NOT NULL,
    content TEXT NOT NULL,
    observed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room_time
    ON messages(room_id, observed_at);

-- Per-message enrichment results
CREATE TABLE IF NOT EXISTS message_analysis (
    message_id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    sender TEXT NOT NULL,
    content TEXT NOT NULL,
    intent TEXT,
    priority_score REAL,
    urgency_keywords TEXT, -- JSON array
    processed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_room_score
    ON message_analysis(room_id, priority_score DESC);

CREATE INDEX IF NOT EXISTS idx_analysis_processed
    ON message_analysis(processed_at);

-- Message embeddings (little-endian float32 BLOB)
CREATE TABLE IF NOT EXISTS embeddings (
    message_id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    vector BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

-- Curated Q&A knowledge entries
CREATE TABLE IF NOT EXISTS knowledge_entries (
    id TEXT PRIMARY KEY,
    question TEXT NOT NULL,
    answer TEXT NOT NULL,
    source_room TEXT NOT NULL,
    source_message_id TEXT,
    confidence REAL NOT NULL DEFAULT 0.5,
    upvotes INTEGER NOT NULL DEFAULT 0,
    downvotes INTEGER NOT NULL DEFAULT 0,
    is_verified INTEGER NOT NULL DEFAULT 0,
    question_vector BLOB NOT NULL,
    question_dimension INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_knowledge_room
    ON knowledge_entries(source_room, confidence DESC);

-- Aggregate reports (one row per date and type)
CREATE TABLE IF NOT EXISTS daily_reports (
    report_date TEXT NOT NULL,
    report_type TEXT NOT NULL,
    total_messages INTEGER NOT NULL,
    high_priority_count INTEGER NOT NULL,
    room_summaries TEXT NOT NULL, -- JSON object
    top_intents TEXT NOT NULL,    -- JSON object
    generated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (report_date, report_type)
);
`

// Store owns the SQLite connection shared by the typed store providers
// (TaskStore, AnalysisStore, EmbeddingStore, ...).
type Store struct {
	db *sql.DB
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Open opens a SQLite database at dsn, configures WAL mode, and creates the
// schema. Use ":memory:" for an in-memory database in tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent worker load. WAL mode lets readers proceed regardless.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying connection for components that need raw access
// (e.g. config settings persistence).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
