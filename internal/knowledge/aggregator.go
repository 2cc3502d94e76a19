// Package knowledge grows a deduplicated Q&A knowledge base from extracted
// question/answer candidates. Near-duplicate questions within a room merge
// into a single entry instead of piling up as separate rows.
package knowledge

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/chatsense/internal/nlp"
	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// DefaultMergeThreshold is the cosine similarity above which a candidate
// question is considered a duplicate of an existing entry.
const DefaultMergeThreshold = 0.85

// Aggregator decides, per candidate, between merging into an existing entry
// and inserting a new one.
type Aggregator struct {
	store          storage.KnowledgeStore
	embedder       nlp.Embedder
	mergeThreshold float64

	// proposeMu serializes the match-then-write in Propose. Without it two
	// concurrent extraction windows can both miss an existing match and
	// insert duplicate entries for the same question.
	proposeMu sync.Mutex
}

// NewAggregator creates an aggregator over the given store and embedder.
// A non-positive threshold falls back to DefaultMergeThreshold.
func NewAggregator(store storage.KnowledgeStore, embedder nlp.Embedder, mergeThreshold float64) *Aggregator {
	if mergeThreshold <= 0 {
		mergeThreshold = DefaultMergeThreshold
	}
	return &Aggregator{
		store:          store,
		embedder:       embedder,
		mergeThreshold: mergeThreshold,
	}
}

// Propose feeds one extracted candidate into the knowledge base. The
// candidate question is embedded and compared against every existing
// question in the same room; at or above the merge threshold the candidate
// merges into the best match, below it a new entry is created. Returns the
// resulting entry and whether it was merged.
func (a *Aggregator) Propose(ctx context.Context, roomID string, cand types.QACandidate) (*types.KnowledgeEntry, bool, error) {
	question := strings.TrimSpace(cand.Question)
	answer := strings.TrimSpace(cand.Answer)
	if question == "" || answer == "" {
		return nil, false, fmt.Errorf("%w: empty question or answer", storage.ErrInvalidInput)
	}

	qvec, err := a.embedder.Embed(ctx, question)
	if err != nil {
		return nil, false, fmt.Errorf("failed to embed question: %w", err)
	}

	a.proposeMu.Lock()
	defer a.proposeMu.Unlock()

	existing, err := a.store.QuestionEmbeddings(ctx, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load question embeddings: %w", err)
	}

	bestID, bestSim := bestMatch(qvec, existing)
	if bestID != "" && bestSim >= a.mergeThreshold {
		merged, err := a.store.Merge(ctx, bestID, cand.Confidence, answer)
		if err != nil {
			return nil, false, fmt.Errorf("failed to merge into entry %s: %w", bestID, err)
		}
		log.Printf("Merged Q&A candidate into entry %s (similarity %.3f, room %s)", bestID, bestSim, roomID)
		return merged, true, nil
	}

	now := time.Now().UTC()
	entry := &types.KnowledgeEntry{
		ID:              uuid.New().String(),
		Question:        question,
		Answer:          answer,
		SourceRoom:      roomID,
		SourceMessageID: cand.SourceMessageID,
		Confidence:      cand.Confidence,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.Insert(ctx, entry, qvec); err != nil {
		return nil, false, fmt.Errorf("failed to insert knowledge entry: %w", err)
	}
	return entry, false, nil
}

// Vote records an up or down vote on an entry.
func (a *Aggregator) Vote(ctx context.Context, id string, up bool) (*types.KnowledgeEntry, error) {
	return a.store.Vote(ctx, id, up)
}

// Verify marks an entry as human-verified, pinning its answer against
// lower-confidence merges.
func (a *Aggregator) Verify(ctx context.Context, id string) error {
	return a.store.SetVerified(ctx, id, true)
}

// Curated returns the room's entries that qualify for the FAQ view.
func (a *Aggregator) Curated(ctx context.Context, roomID string, opts storage.ListOptions) ([]types.KnowledgeEntry, error) {
	page, err := a.store.ListByRoom(ctx, roomID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]types.KnowledgeEntry, 0, len(page.Items))
	for _, e := range page.Items {
		if e.Curated() {
			out = append(out, e)
		}
	}
	return out, nil
}

// bestMatch returns the entry ID with the highest cosine similarity to the
// query, ties broken by most recent createdAt. Vectors of mismatched
// dimension are skipped.
func bestMatch(query []float32, entries []storage.StoredEmbedding) (string, float64) {
	var bestID string
	var bestSim float64
	var bestAt time.Time
	for _, e := range entries {
		if len(e.Vector) != len(query) {
			continue
		}
		sim := cosine(query, e.Vector)
		if bestID == "" || sim > bestSim || (sim == bestSim && e.CreatedAt.After(bestAt)) {
			bestID = e.MessageID
			bestSim = sim
			bestAt = e.CreatedAt
		}
	}
	return bestID, bestSim
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
