package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing. Open applies
// the full Schema, so no additional DDL is required in tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPolicy() storage.RetryPolicy {
	return storage.RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
		MaxDelay:   10 * time.Minute,
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	ts := NewTaskStore(newTestStore(t).DB())
	ctx := context.Background()

	first, created, err := ts.Enqueue(ctx, &types.Task{
		MessageID: "msg-1",
		RoomID:    "room-a",
		Type:      types.TaskClassify,
	})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if !created {
		t.Fatal("first Enqueue: created = false, want true")
	}
	if first.Status != types.StatusPending {
		t.Errorf("Status: got %q, want %q", first.Status, types.StatusPending)
	}
	if first.Priority != types.DefaultTaskPriority {
		t.Errorf("Priority: got %d, want %d", first.Priority, types.DefaultTaskPriority)
	}

	// Second enqueue of the same (message, type) is a no-op returning the
	// existing task.
	second, created, err := ts.Enqueue(ctx, &types.Task{
		MessageID: "msg-1",
		RoomID:    "room-a",
		Type:      types.TaskClassify,
		Priority:  9,
	})
	if err != nil {
		t.Fatalf("Enqueue() retry failed: %v", err)
	}
	if created {
		t.Fatal("second Enqueue: created = true, want false")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate enqueue returned a different task: %s vs %s", second.ID, first.ID)
	}

	// A different task type for the same message is independent.
	_, created, err = ts.Enqueue(ctx, &types.Task{
		MessageID: "msg-1",
		RoomID:    "room-a",
		Type:      types.TaskEmbed,
	})
	if err != nil {
		t.Fatalf("Enqueue() embed failed: %v", err)
	}
	if !created {
		t.Error("embed task for the same message should be created")
	}
}

func TestEnqueueAfterTerminalCreatesNew(t *testing.T) {
	ts := NewTaskStore(newTestStore(t).DB())
	ctx := context.Background()

	first, _, err := ts.Enqueue(ctx, &types.Task{MessageID: "msg-1", Type: types.TaskClassify})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := ts.ClaimNext(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimNext() failed: %v", err)
	}
	if err := ts.Complete(ctx, first.ID); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	// Once the prior task is terminal, re-enqueueing creates a fresh row.
	second, created, err := ts.Enqueue(ctx, &types.Task{MessageID: "msg-1", Type: types.TaskClassify})
	if err != nil {
		t.Fatalf("Enqueue() after completion failed: %v", err)
	}
	if !created {
		t.Fatal("enqueue after terminal task: created = false, want true")
	}
	if second.ID == first.ID {
		t.Error("new task reused the completed task's ID")
	}
}

func TestClaimNextOrdering(t *testing.T) {
	ts := NewTaskStore(newTestStore(t).DB())
	ctx := context.Background()

	low, _, err := ts.Enqueue(ctx, &types.Task{MessageID: "msg-low", Type: types.TaskClassify, Priority: 2})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	high, _, err := ts.Enqueue(ctx, &types.Task{MessageID: "msg-high", Type: types.TaskClassify, Priority: 8})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	got, err := ts.ClaimNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNext() failed: %v", err)
	}
	if got.ID != high.ID {
		t.Errorf("first claim: got %s, want high-priority task %s", got.ID, high.ID)
	}
	if got.Status != types.StatusInProgress {
		t.Errorf("claimed status: got %q, want %q", got.Status, types.StatusInProgress)
	}
	if got.ClaimedBy != "worker-1" {
		t.Errorf("ClaimedBy: got %q, want %q", got.ClaimedBy, "worker-1")
	}

	got, err = ts.ClaimNext(ctx, "worker-2")
	if err != nil {
		t.Fatalf("ClaimNext() failed: %v", err)
	}
	if got.ID != low.ID {
		t.Errorf("second claim: got %s, want %s", got.ID, low.ID)
	}

	// Queue drained.
	if _, err := ts.ClaimNext(ctx, "worker-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("empty claim: got %v, want ErrNotFound", err)
	}
}

func TestClaimNextSkipsBackoff(t *testing.T) {
	ts := NewTaskStore(newTestStore(t).DB())
	ctx := context.Background()

	_, _, err := ts.Enqueue(ctx, &types.Task{
		MessageID:   "msg-later",
		Type:        types.TaskClassify,
		AvailableAt: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if _, err := ts.ClaimNext(ctx, "worker-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("task inside its backoff window was claimed: err = %v", err)
	}
}

func TestFailRetriesThenDead(t *testing.T) {
	ts := NewTaskStore(newTestStore(t).DB())
	ctx := context.Background()
	policy := testPolicy()

	task, _, err := ts.Enqueue(ctx, &types.Task{MessageID: "msg-1", Type: types.TaskEmbed})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		// Re-arm the task so ClaimNext can pick it up despite backoff.
		if attempt > 1 {
			if _, err := ts.db.Exec(`UPDATE tasks SET available_at = ? WHERE id = ?`,
				time.Now().UTC().Add(-time.Second), task.ID); err != nil {
				t.Fatalf("failed to re-arm task: %v", err)
			}
		}
		if _, err := ts.ClaimNext(ctx, "worker-1"); err != nil {
			t.Fatalf("ClaimNext() attempt %d failed: %v", attempt, err)
		}

		failed, err := ts.Fail(ctx, task.ID, "adapter timeout", policy)
		if err != nil {
			t.Fatalf("Fail() attempt %d failed: %v", attempt, err)
		}
		if failed.RetryCount != attempt {
			t.Errorf("attempt %d: RetryCount = %d", attempt, failed.RetryCount)
		}

		if attempt < policy.MaxRetries {
			if failed.Status != types.StatusPending {
				t.Errorf("attempt %d: status = %q, want pending", attempt, failed.Status)
			}
			wantDelay := policy.Backoff(attempt)
			gotDelay := time.Until(failed.AvailableAt)
			if gotDelay < wantDelay-5*time.Second || gotDelay > wantDelay+5*time.Second {
				t.Errorf("attempt %d: backoff = %v, want ~%v", attempt, gotDelay, wantDelay)
			}
		} else {
			if failed.Status != types.StatusDead {
				t.Errorf("final attempt: status = %q, want dead", failed.Status)
			}
			if failed.CompletedAt == nil {
				t.Error("dead task has no completed_at")
			}
			if failed.LastError != "adapter timeout" {
				t.Errorf("LastError = %q", failed.LastError)
			}
		}
	}

	dead, err := ts.DeadTasks(ctx, 10)
	if err != nil {
		t.Fatalf("DeadTasks() failed: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != task.ID {
		t.Errorf("DeadTasks() = %v, want the exhausted task", dead)
	}
}

func TestBackoffDoubles(t *testing.T) {
	policy := testPolicy()

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{6, 10 * time.Minute}, // capped: 30s * 2^5 = 16m
	}
	for _, tc := range cases {
		if got := policy.Backoff(tc.retry); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestReclaimExpired(t *testing.T) {
	store := newTestStore(t)
	ts := NewTaskStore(store.DB())
	ctx := context.Background()
	policy := testPolicy()

	task, _, err := ts.Enqueue(ctx, &types.Task{MessageID: "msg-1", Type: types.TaskClassify})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := ts.ClaimNext(ctx, "worker-crashed"); err != nil {
		t.Fatalf("ClaimNext() failed: %v", err)
	}

	// Backdate the claim past the lease.
	stale := time.Now().UTC().Add(-time.Hour)
	if _, err := store.DB().Exec(`UPDATE tasks SET claimed_at = ? WHERE id = ?`, stale, task.ID); err != nil {
		t.Fatalf("failed to backdate claim: %v", err)
	}

	reclaimed, err := ts.ReclaimExpired(ctx, 10*time.Minute, policy)
	if err != nil {
		t.Fatalf("ReclaimExpired() failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	got, err := ts.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != types.StatusPending {
		t.Errorf("reclaimed status = %q, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("reclaimed RetryCount = %d, want 1 (expiry counts as a retry)", got.RetryCount)
	}
	if got.ClaimedBy != "" {
		t.Errorf("reclaimed ClaimedBy = %q, want empty", got.ClaimedBy)
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	ts := NewTaskStore(newTestStore(t).DB())
	ctx := context.Background()

	task, _, err := ts.Enqueue(ctx, &types.Task{MessageID: "msg-1", Type: types.TaskClassify})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// Still pending: cannot complete.
	if err := ts.Complete(ctx, task.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Complete() on pending task: got %v, want ErrNotFound", err)
	}
}

func TestSweepTerminal(t *testing.T) {
	store := newTestStore(t)
	ts := NewTaskStore(store.DB())
	ctx := context.Background()

	task, _, err := ts.Enqueue(ctx, &types.Task{MessageID: "msg-1", Type: types.TaskClassify})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := ts.ClaimNext(ctx, "worker-1"); err != nil {
		t.Fatalf("ClaimNext() failed: %v", err)
	}
	if err := ts.Complete(ctx, task.ID); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	// Pending sibling must survive the sweep.
	if _, _, err := ts.Enqueue(ctx, &types.Task{MessageID: "msg-2", Type: types.TaskClassify}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// Backdate so the completed task is older than the sweep age.
	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := store.DB().Exec(`UPDATE tasks SET created_at = ? WHERE id = ?`, old, task.ID); err != nil {
		t.Fatalf("failed to backdate task: %v", err)
	}

	deleted, err := ts.SweepTerminal(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("SweepTerminal() failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	stats, err := ts.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Pending != 1 || stats.Completed != 0 {
		t.Errorf("stats after sweep = %+v, want 1 pending, 0 completed", stats)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ts := NewTaskStore(newTestStore(t).DB())
	ctx := context.Background()

	_, _, err := ts.Enqueue(ctx, &types.Task{Type: types.TaskClassify})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("missing message ID: got %v, want ErrInvalidInput", err)
	}

	_, _, err = ts.Enqueue(ctx, &types.Task{MessageID: "msg-1", Type: "reticulate"})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("unknown task type: got %v, want ErrInvalidInput", err)
	}
}
