// Package storage provides composable storage interfaces for the ChatSense
// enrichment pipeline.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed, allowing for flexible
// backend implementations (SQLite for single-node, PostgreSQL for shared
// deployments).
package storage

import (
	"context"
	"time"

	"github.com/scrypster/chatsense/pkg/types"
)

// TaskStore is the durable work queue of per-message enrichment tasks.
//
// The atomic claim in ClaimNext is the sole concurrency boundary between
// workers: two workers must never hold the same task.
type TaskStore interface {
	// Enqueue inserts a new task unless a non-terminal task already exists
	// for the same (message_id, task_type) pair. Returns the effective task
	// and true when a new row was created, or the existing task and false
	// when the call was an idempotent no-op.
	Enqueue(ctx context.Context, task *types.Task) (*types.Task, bool, error)

	// ClaimNext atomically claims the pending task with the highest
	// priority (FIFO within a priority band) whose backoff delay has
	// elapsed, transitioning it to in_progress for workerID.
	// Returns ErrNotFound when no task is claimable.
	ClaimNext(ctx context.Context, workerID string) (*types.Task, error)

	// Complete marks an in_progress task completed.
	Complete(ctx context.Context, taskID string) error

	// Fail records the error and increments retry_count. The task returns
	// to pending with an exponential backoff delay while retry_count is
	// within policy.MaxRetries, and becomes dead beyond it. Returns the
	// updated task.
	Fail(ctx context.Context, taskID, lastError string, policy RetryPolicy) (*types.Task, error)

	// ReclaimExpired fails every in_progress task claimed longer than
	// lease ago, counting the expiry toward retry_count. Returns the
	// number of reclaimed tasks.
	ReclaimExpired(ctx context.Context, lease time.Duration, policy RetryPolicy) (int, error)

	// SweepTerminal deletes completed and dead tasks older than the given
	// age. Returns the number of deleted rows.
	SweepTerminal(ctx context.Context, olderThan time.Duration) (int, error)

	// DeadTasks lists tasks that exhausted their retry bound, newest
	// first, for operator inspection.
	DeadTasks(ctx context.Context, limit int) ([]types.Task, error)

	// Get retrieves a task by ID.
	Get(ctx context.Context, taskID string) (*types.Task, error)

	// Stats returns per-status task counts.
	Stats(ctx context.Context) (*QueueStats, error)
}

// MessageStore persists raw inbound messages for window-scoped batch
// processing (Q&A extraction, report summaries).
type MessageStore interface {
	// Insert stores a raw message (upsert on message_id; re-delivery of
	// the same event is a no-op).
	Insert(ctx context.Context, msg *types.Message) error

	// Get retrieves a message by ID.
	Get(ctx context.Context, messageID string) (*types.Message, error)

	// Window returns messages for a room observed in [from, to), oldest
	// first, bounded to limit (oldest-first truncation).
	Window(ctx context.Context, roomID string, from, to time.Time, limit int) ([]types.Message, error)

	// Count returns the number of messages for a room observed in
	// [from, to), without the Window truncation bound.
	Count(ctx context.Context, roomID string, from, to time.Time) (int, error)

	// ActiveRooms returns the distinct rooms with messages observed since
	// the given time.
	ActiveRooms(ctx context.Context, since time.Time) ([]string, error)
}

// AnalysisStore persists per-message enrichment results.
//
// Each task type updates only the fields it owns; out-of-order completion
// of classify/embed/extract tasks must never overwrite another task's
// fields.
type AnalysisStore interface {
	// UpsertClassification writes the classify-owned fields (intent,
	// priority_score, urgency_keywords), creating the row if absent.
	UpsertClassification(ctx context.Context, a *types.MessageAnalysis) error

	// Get retrieves the analysis for a message.
	Get(ctx context.Context, messageID string) (*types.MessageAnalysis, error)

	// ListByRoom returns analyses for a room within the options' time
	// window, ordered by priority_score descending (unscored rows last).
	ListByRoom(ctx context.Context, roomID string, opts ListOptions) (*PaginatedResult[types.MessageAnalysis], error)

	// ListWindow returns all analyses processed in [from, to), for report
	// aggregation.
	ListWindow(ctx context.Context, from, to time.Time) ([]types.MessageAnalysis, error)

	// SweepOlderThan deletes analyses processed before the cutoff.
	// Returns the number of deleted rows.
	SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// EmbeddingStore persists message embeddings. Vectors are immutable;
// storing again for the same message fully replaces the previous vector.
type EmbeddingStore interface {
	// Store persists the vector for a message, replacing any prior one.
	Store(ctx context.Context, messageID, roomID string, vector []float32) error

	// Get retrieves the vector for a message.
	Get(ctx context.Context, messageID string) ([]float32, error)

	// Delete removes the embedding for a message.
	Delete(ctx context.Context, messageID string) error

	// All streams every stored embedding, used to rebuild the in-memory
	// vector index at startup.
	All(ctx context.Context, fn func(e StoredEmbedding) error) error

	// SweepOlderThan deletes embeddings created before the cutoff and
	// returns the IDs of the removed messages so callers can evict them
	// from the live index.
	SweepOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// KnowledgeStore persists curated Q&A entries.
//
// Merge and Vote are single-statement updates so concurrent workers never
// observe a partially applied merge.
type KnowledgeStore interface {
	// Insert stores a new entry together with its question embedding.
	Insert(ctx context.Context, e *types.KnowledgeEntry, questionVec []float32) error

	// Get retrieves an entry by ID.
	Get(ctx context.Context, id string) (*types.KnowledgeEntry, error)

	// ListByRoom returns entries for a room ordered by confidence
	// descending. A non-empty opts.Query restricts the result to entries
	// whose question or answer contains the text, and Total counts the
	// filtered set.
	ListByRoom(ctx context.Context, roomID string, opts ListOptions) (*PaginatedResult[types.KnowledgeEntry], error)

	// QuestionEmbeddings returns (id, vector, createdAt) for every entry
	// in a room, for similarity-based merge decisions.
	QuestionEmbeddings(ctx context.Context, roomID string) ([]StoredEmbedding, error)

	// Merge applies the deterministic merge of a candidate into an
	// existing entry: confidence becomes the max of the two, the answer
	// is replaced only when candConfidence strictly exceeds the entry's
	// prior confidence and the entry is not verified, vote counts are
	// untouched, updated_at is refreshed. Returns the merged entry.
	Merge(ctx context.Context, id string, candConfidence float64, candAnswer string) (*types.KnowledgeEntry, error)

	// Vote atomically records an up or down vote and refreshes
	// updated_at. Returns the updated entry.
	Vote(ctx context.Context, id string, up bool) (*types.KnowledgeEntry, error)

	// SetVerified marks an entry verified (explicit human action).
	SetVerified(ctx context.Context, id string, verified bool) error
}

// ReportStore persists generated aggregate reports.
type ReportStore interface {
	// Save stores a report, atomically replacing any prior report for the
	// same (report_date, report_type).
	Save(ctx context.Context, r *types.DailyReport) error

	// Get retrieves the report for a date and type.
	Get(ctx context.Context, date string, typ types.ReportType) (*types.DailyReport, error)
}
