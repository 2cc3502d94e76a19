// Package postgres provides the PostgreSQL implementation of the ChatSense
// storage interfaces, for deployments where several pipeline nodes share one
// database.
package postgres

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
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
    claimed_at TIMESTAMPTZ,
    available_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
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
    observed_at TIMESTAMPTZ NOT NULL
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
    urgency_keywords JSONB,
    processed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_room_score
    ON message_analysis(room_id, priority_score DESC);

CREATE INDEX IF NOT EXISTS idx_analysis_processed
    ON message_analysis(processed_at);

-- Message embeddings (BYTEA, plus a pgvector column when the extension
-- is available)
CREATE TABLE IF NOT EXISTS embeddings (
    message_id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    vector BYTEA NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
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
    is_verified BOOLEAN NOT NULL DEFAULT FALSE,
    question_vector BYTEA NOT NULL,
    question_dimension INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_knowledge_room
    ON knowledge_entries(source_room, confidence DESC);

-- Aggregate reports (one row per date and type)
CREATE TABLE IF NOT EXISTS daily_reports (
    report_date TEXT NOT NULL,
    report_type TEXT NOT NULL,
    total_messages INTEGER NOT NULL,
    high_priority_count INTEGER NOT NULL,
    room_summaries JSONB NOT NULL,
    top_intents JSONB NOT NULL,
    generated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (report_date, report_type)
);
`

// MigrationPgvector adds the native vector column used for cosine-distance
// queries. Applied only when the pgvector extension is available.
const MigrationPgvector = `
ALTER TABLE embeddings ADD COLUMN IF NOT EXISTS embedding_vec vector(384);
CREATE INDEX IF NOT EXISTS idx_embeddings_vec
    ON embeddings USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100);
`

// Store owns the PostgreSQL connection shared by the typed store providers.
type Store struct {
	db                *sql.DB
	pgvectorAvailable bool // true when the pgvector extension is present
}

// Open connects to PostgreSQL, applies the schema, and probes for the
// pgvector extension. Vector search degrades to BYTEA-only storage when the
// extension is missing.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	s := &Store{db: db}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to apply schema: %w", err)
	}

	// Not fatal: servers without pgvector still run the full pipeline, with
	// similarity search served from the in-memory index.
	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension not available (native vector search disabled): %v", err)
	} else if _, err := db.Exec(MigrationPgvector); err != nil {
		log.Printf("postgres: failed to apply pgvector migration (native vector search disabled): %v", err)
	} else {
		s.pgvectorAvailable = true
	}

	return s, nil
}

// DB exposes the underlying connection for the typed store providers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// PgvectorAvailable reports whether native vector queries can be used.
func (s *Store) PgvectorAvailable() bool {
	return s.pgvectorAvailable
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
