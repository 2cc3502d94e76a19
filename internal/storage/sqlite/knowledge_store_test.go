package sqlite

import (
	"context"
	"testing"

	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

func insertTestEntry(t *testing.T, ks *KnowledgeStore, id string, confidence float64, verified bool) *types.KnowledgeEntry {
	t.Helper()
	e := &types.KnowledgeEntry{
		ID:         id,
		Question:   "how do I reset my password?",
		Answer:     "use the forgot-password link",
		SourceRoom: "room-support",
		Confidence: confidence,
		IsVerified: verified,
	}
	if err := ks.Insert(context.Background(), e, []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	return e
}

func TestMergeTakesMaxConfidence(t *testing.T) {
	ks := NewKnowledgeStore(newTestStore(t).DB())
	ctx := context.Background()

	insertTestEntry(t, ks, "kb-1", 0.6, false)

	// Higher-confidence candidate replaces the answer and lifts confidence.
	merged, err := ks.Merge(ctx, "kb-1", 0.9, "go to settings > security > reset")
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if merged.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", merged.Confidence)
	}
	if merged.Answer != "go to settings > security > reset" {
		t.Errorf("Answer = %q, want the candidate's answer", merged.Answer)
	}

	// Lower-confidence candidate changes nothing but updated_at.
	merged, err = ks.Merge(ctx, "kb-1", 0.3, "worse answer")
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if merged.Confidence != 0.9 {
		t.Errorf("Confidence after weak merge = %v, want 0.9", merged.Confidence)
	}
	if merged.Answer != "go to settings > security > reset" {
		t.Errorf("weak candidate overwrote the answer: %q", merged.Answer)
	}
}

func TestMergeNeverRewritesVerifiedAnswer(t *testing.T) {
	ks := NewKnowledgeStore(newTestStore(t).DB())
	ctx := context.Background()

	insertTestEntry(t, ks, "kb-verified", 0.5, true)

	merged, err := ks.Merge(ctx, "kb-verified", 0.99, "unvetted answer")
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if merged.Answer != "use the forgot-password link" {
		t.Errorf("merge rewrote a verified answer: %q", merged.Answer)
	}
	// Confidence still tracks the max.
	if merged.Confidence != 0.99 {
		t.Errorf("Confidence = %v, want 0.99", merged.Confidence)
	}
}

func TestMergePreservesVotes(t *testing.T) {
	ks := NewKnowledgeStore(newTestStore(t).DB())
	ctx := context.Background()

	insertTestEntry(t, ks, "kb-1", 0.5, false)
	for i := 0; i < 3; i++ {
		if _, err := ks.Vote(ctx, "kb-1", true); err != nil {
			t.Fatalf("Vote() failed: %v", err)
		}
	}
	if _, err := ks.Vote(ctx, "kb-1", false); err != nil {
		t.Fatalf("Vote() failed: %v", err)
	}

	merged, err := ks.Merge(ctx, "kb-1", 0.8, "better answer")
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if merged.Upvotes != 3 || merged.Downvotes != 1 {
		t.Errorf("votes after merge = %d/%d, want 3/1", merged.Upvotes, merged.Downvotes)
	}
}

func TestVoteAndCurated(t *testing.T) {
	ks := NewKnowledgeStore(newTestStore(t).DB())
	ctx := context.Background()

	insertTestEntry(t, ks, "kb-1", 0.5, false)

	var entry *types.KnowledgeEntry
	var err error
	for i := 0; i < 5; i++ {
		entry, err = ks.Vote(ctx, "kb-1", true)
		if err != nil {
			t.Fatalf("Vote() failed: %v", err)
		}
	}
	if entry.Upvotes != 5 {
		t.Errorf("Upvotes = %d, want 5", entry.Upvotes)
	}
	if !entry.Curated() {
		t.Error("entry with net +5 votes should be curated")
	}
}

func TestSetVerified(t *testing.T) {
	ks := NewKnowledgeStore(newTestStore(t).DB())
	ctx := context.Background()

	insertTestEntry(t, ks, "kb-1", 0.5, false)

	if err := ks.SetVerified(ctx, "kb-1", true); err != nil {
		t.Fatalf("SetVerified() failed: %v", err)
	}
	got, err := ks.Get(ctx, "kb-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.IsVerified {
		t.Error("IsVerified = false after SetVerified(true)")
	}
	if !got.Curated() {
		t.Error("verified entry should be curated regardless of votes")
	}

	if err := ks.SetVerified(ctx, "kb-missing", true); err != storage.ErrNotFound {
		t.Errorf("SetVerified() on missing entry: got %v, want ErrNotFound", err)
	}
}

func TestListByRoomTextFilter(t *testing.T) {
	ks := NewKnowledgeStore(newTestStore(t).DB())
	ctx := context.Background()

	insertTestEntry(t, ks, "kb-1", 0.9, false)
	e := &types.KnowledgeEntry{
		ID:         "kb-2",
		Question:   "where are the deploy logs?",
		Answer:     "in the CI dashboard",
		SourceRoom: "room-support",
		Confidence: 0.8,
	}
	if err := ks.Insert(ctx, e, []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	// The filter applies before pagination, so Total reflects the
	// filtered set even with a page size of 1.
	page, err := ks.ListByRoom(ctx, "room-support", storage.ListOptions{Limit: 1, Query: "PASSWORD"})
	if err != nil {
		t.Fatalf("ListByRoom() failed: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("Total = %d, items = %d, want 1 and 1", page.Total, len(page.Items))
	}
	if page.Items[0].ID != "kb-1" {
		t.Errorf("filtered entry = %s, want kb-1", page.Items[0].ID)
	}
	if page.HasMore {
		t.Error("HasMore = true for a fully returned filtered set")
	}
}

func TestQuestionEmbeddingsRoundTrip(t *testing.T) {
	ks := NewKnowledgeStore(newTestStore(t).DB())
	ctx := context.Background()

	insertTestEntry(t, ks, "kb-1", 0.5, false)

	embs, err := ks.QuestionEmbeddings(ctx, "room-support")
	if err != nil {
		t.Fatalf("QuestionEmbeddings() failed: %v", err)
	}
	if len(embs) != 1 {
		t.Fatalf("got %d embeddings, want 1", len(embs))
	}
	want := []float32{0.1, 0.2, 0.3}
	if len(embs[0].Vector) != len(want) {
		t.Fatalf("vector length = %d, want %d", len(embs[0].Vector), len(want))
	}
	for i := range want {
		if embs[0].Vector[i] != want[i] {
			t.Errorf("vector[%d] = %v, want %v", i, embs[0].Vector[i], want[i])
		}
	}

	// Other rooms see nothing.
	embs, err = ks.QuestionEmbeddings(ctx, "room-other")
	if err != nil {
		t.Fatalf("QuestionEmbeddings() failed: %v", err)
	}
	if len(embs) != 0 {
		t.Errorf("foreign room returned %d embeddings, want 0", len(embs))
	}
}
