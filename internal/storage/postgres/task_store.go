package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// TaskStore implements storage.TaskStore using PostgreSQL.
//
// ClaimNext uses FOR UPDATE SKIP LOCKED so multiple pipeline nodes can pull
// from the same queue without contending on the head row.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a new PostgreSQL task store sharing the given
// connection.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

var _ storage.TaskStore = (*TaskStore)(nil)

const taskColumns = `id, message_id, room_id, task_type, priority, status,
	retry_count, last_error, claimed_by, claimed_at, available_at, created_at, completed_at`

// Enqueue inserts a new task unless a non-terminal task already exists for
// the same (message_id, task_type) pair. The partial unique index arbitrates
// concurrent writers.
func (s *TaskStore) Enqueue(ctx context.Context, task *types.Task) (*types.Task, bool, error) {
	if task == nil {
		return nil, false, storage.ErrInvalidInput
	}
	if task.MessageID == "" {
		return nil, false, fmt.Errorf("%w: message ID is required", storage.ErrInvalidInput)
	}
	if !task.Type.Valid() {
		return nil, false, fmt.Errorf("%w: unknown task type %q", storage.ErrInvalidInput, task.Type)
	}

	now := time.Now().UTC()
	t := *task
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = types.DefaultTaskPriority
	}
	t.Status = types.StatusPending
	t.RetryCount = 0
	t.CreatedAt = now
	if t.AvailableAt.IsZero() {
		t.AvailableAt = now
	}

	// ON CONFLICT cannot target a partial index by name with a DO NOTHING
	// arbiter across all drivers, so insert and fall back to the winner on
	// unique violation.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, message_id, room_id, task_type, priority, status,
			retry_count, available_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
		t.ID, t.MessageID, t.RoomID, string(t.Type), t.Priority, string(t.Status),
		t.AvailableAt, t.CreatedAt)
	if err != nil {
		if winner, selErr := s.activeTask(ctx, task.MessageID, task.Type); selErr == nil {
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &t, true, nil
}

// ClaimNext atomically claims the best pending task for workerID.
func (s *TaskStore) ClaimNext(ctx context.Context, workerID string) (*types.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker ID is required", storage.ErrInvalidInput)
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET status = 'in_progress', claimed_by = $1, claimed_at = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending' AND available_at <= $3
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		workerID, now, now)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

// Complete marks an in_progress task completed.
func (s *TaskStore) Complete(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', completed_at = $1
		WHERE id = $2 AND status = 'in_progress'`,
		time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: task %s is not in progress", storage.ErrNotFound, taskID)
	}
	return nil
}

// Fail records the error, increments retry_count, and either returns the
// task to pending with an exponential backoff delay or marks it dead once
// the retry bound is reached.
func (s *TaskStore) Fail(ctx context.Context, taskID, lastError string, policy storage.RetryPolicy) (*types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := failInTx(ctx, tx, taskID, lastError, policy)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit failure: %w", err)
	}

	if task.Status == types.StatusDead {
		log.Printf("WARNING: queue: task %s (%s/%s) exhausted %d retries, marked dead: %s",
			task.ID, task.MessageID, task.Type, task.RetryCount, lastError)
	}
	return task, nil
}

func failInTx(ctx context.Context, tx *sql.Tx, taskID, lastError string, policy storage.RetryPolicy) (*types.Task, error) {
	var retryCount int
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT retry_count, status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).
		Scan(&retryCount, &status)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	if status != string(types.StatusInProgress) {
		return nil, fmt.Errorf("%w: task %s is not in progress", storage.ErrNotFound, taskID)
	}

	newCount := retryCount + 1
	now := time.Now().UTC()

	var row *sql.Row
	if newCount >= policy.MaxRetries {
		row = tx.QueryRowContext(ctx, `
			UPDATE tasks SET status = 'dead', retry_count = $1, last_error = $2,
				claimed_by = NULL, claimed_at = NULL, completed_at = $3
			WHERE id = $4
			RETURNING `+taskColumns,
			newCount, lastError, now, taskID)
	} else {
		availableAt := now.Add(policy.Backoff(newCount))
		row = tx.QueryRowContext(ctx, `
			UPDATE tasks SET status = 'pending', retry_count = $1, last_error = $2,
				claimed_by = NULL, claimed_at = NULL, available_at = $3
			WHERE id = $4
			RETURNING `+taskColumns,
			newCount, lastError, availableAt, taskID)
	}

	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}
	return task, nil
}

// ReclaimExpired fails every in_progress task whose lease has expired.
func (s *TaskStore) ReclaimExpired(ctx context.Context, lease time.Duration, policy storage.RetryPolicy) (int, error) {
	cutoff := time.Now().UTC().Add(-lease)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status = 'in_progress' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating expired leases: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		if _, err := s.Fail(ctx, id, "lease expired", policy); err != nil {
			log.Printf("WARNING: queue: failed to reclaim task %s: %v", id, err)
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		log.Printf("queue: reclaimed %d expired task leases", reclaimed)
	}
	return reclaimed, nil
}

// SweepTerminal deletes completed and dead tasks older than the given age.
func (s *TaskStore) SweepTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed', 'dead') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(affected), nil
}

// DeadTasks lists tasks that exhausted their retry bound, newest first.
func (s *TaskStore) DeadTasks(ctx context.Context, limit int) ([]types.Task, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'dead'
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead tasks: %w", err)
	}
	return tasks, nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// Stats returns per-status task counts.
func (s *TaskStore) Stats(ctx context.Context) (*storage.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &storage.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task counts: %w", err)
		}
		switch types.TaskStatus(status) {
		case types.StatusPending:
			stats.Pending = count
		case types.StatusInProgress:
			stats.InProgress = count
		case types.StatusCompleted:
			stats.Completed = count
		case types.StatusDead:
			stats.Dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task counts: %w", err)
	}
	return stats, nil
}

func (s *TaskStore) activeTask(ctx context.Context, messageID string, taskType types.TaskType) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE message_id = $1 AND task_type = $2
			AND status IN ('pending', 'in_progress', 'failed')`,
		messageID, string(taskType))
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active task: %w", err)
	}
	return task, nil
}

// scanTask reads one task row. The column order must match taskColumns.
func scanTask(row rowScanner) (*types.Task, error) {
	var task types.Task
	var taskType, status string
	var lastError, claimedBy sql.NullString
	var claimedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.MessageID,
		&task.RoomID,
		&taskType,
		&task.Priority,
		&status,
		&task.RetryCount,
		&lastError,
		&claimedBy,
		&claimedAt,
		&task.AvailableAt,
		&task.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Type = types.TaskType(taskType)
	task.Status = types.TaskStatus(status)
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if claimedBy.Valid {
		task.ClaimedBy = claimedBy.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return &task, nil
}
