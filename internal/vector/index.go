package vector

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/scrypster/chatsense/internal/storage"
)

// Validation errors returned by Upsert and Search.
var (
	ErrDimensionMismatch = fmt.Errorf("%w: vector dimension mismatch", storage.ErrInvalidInput)
	ErrZeroVector        = fmt.Errorf("%w: zero vector", storage.ErrInvalidInput)
)

// Result is one search hit, ordered by descending cosine similarity.
type Result struct {
	MessageID  string
	RoomID     string
	Similarity float64
}

// Config tunes the in-memory index.
type Config struct {
	Dimension         int // expected vector width
	FlatScanThreshold int // below this many entries, search scans everything
	Probes            int // clusters probed per search in clustered mode
}

// entry holds one normalized vector. Vectors are normalized on insert so
// cosine similarity reduces to a dot product.
type entry struct {
	messageID string
	roomID    string
	vector    []float32
	createdAt time.Time
}

// clusters is the inverted-file structure used above the flat-scan
// threshold. It is rebuilt as a whole and swapped in, never mutated in
// place except for membership lists.
type clusters struct {
	centroids [][]float32
	members   [][]string // parallel to centroids; message IDs per cluster
	assigned  map[string]int
}

// Index is an in-memory cosine similarity index over message embeddings.
// Small corpora are scanned exhaustively; past FlatScanThreshold entries an
// inverted-file structure bounds search cost by probing only the nearest
// clusters. All methods are safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	cfg  Config
	byID map[string]*entry
	ivf  *clusters // nil while in flat mode
}

// New creates an empty index.
func New(cfg Config) *Index {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 384
	}
	if cfg.FlatScanThreshold <= 0 {
		cfg.FlatScanThreshold = 1000
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 4
	}
	return &Index{
		cfg:  cfg,
		byID: make(map[string]*entry),
	}
}

// Len reports the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Upsert inserts or fully replaces the vector for a message. The vector is
// validated, copied, and normalized; the caller keeps ownership of its
// slice. In clustered mode the new entry joins its nearest cluster without
// triggering a rebuild.
func (ix *Index) Upsert(messageID, roomID string, vec []float32, createdAt time.Time) error {
	normalized, err := ix.normalize(vec)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.byID[messageID]; ok && ix.ivf != nil {
		ix.ivf.remove(messageID)
	}
	e := &entry{messageID: messageID, roomID: roomID, vector: normalized, createdAt: createdAt}
	ix.byID[messageID] = e
	if ix.ivf != nil {
		ix.ivf.assign(e)
	}
	return nil
}

// Remove deletes a message's vector. Removing an unknown ID is a no-op.
func (ix *Index) Remove(messageID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.byID[messageID]; !ok {
		return
	}
	delete(ix.byID, messageID)
	if ix.ivf != nil {
		ix.ivf.remove(messageID)
	}
}

// Search returns up to k results ordered by descending similarity, ties
// broken by most recent entry. Below the flat-scan threshold every vector
// is compared; above it only the nearest probe clusters are scanned.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	normalized, err := ix.normalize(query)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var candidates []*entry
	if ix.ivf != nil && len(ix.byID) >= ix.cfg.FlatScanThreshold {
		candidates = ix.ivf.probe(ix.byID, normalized, ix.cfg.Probes)
	} else {
		candidates = make([]*entry, 0, len(ix.byID))
		for _, e := range ix.byID {
			candidates = append(candidates, e)
		}
	}

	results := make([]Result, 0, len(candidates))
	times := make(map[string]time.Time, len(candidates))
	for _, e := range candidates {
		results = append(results, Result{
			MessageID:  e.messageID,
			RoomID:     e.roomID,
			Similarity: dot(normalized, e.vector),
		})
		times[e.messageID] = e.createdAt
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].Similarity != results[b].Similarity {
			return results[a].Similarity > results[b].Similarity
		}
		return times[results[a].MessageID].After(times[results[b].MessageID])
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Reoptimize rebuilds the clustering structure from the current contents.
// The expensive work happens on a snapshot outside any lock; the finished
// structure is swapped in under a short write lock, so concurrent searches
// are only briefly blocked. Below the flat-scan threshold the index drops
// back to flat mode.
func (ix *Index) Reoptimize() {
	ix.mu.RLock()
	snapshot := make([]*entry, 0, len(ix.byID))
	for _, e := range ix.byID {
		snapshot = append(snapshot, e)
	}
	ix.mu.RUnlock()

	if len(snapshot) < ix.cfg.FlatScanThreshold {
		ix.mu.Lock()
		ix.ivf = nil
		ix.mu.Unlock()
		return
	}

	built := buildClusters(snapshot, ix.cfg.Dimension)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	// Entries that changed while we were building get reassigned; removed
	// ones are dropped.
	for id := range built.assigned {
		if _, ok := ix.byID[id]; !ok {
			built.remove(id)
		}
	}
	for id, e := range ix.byID {
		if _, ok := built.assigned[id]; !ok {
			built.assign(e)
		}
	}
	ix.ivf = built
}

func (ix *Index) normalize(vec []float32) ([]float32, error) {
	if len(vec) != ix.cfg.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), ix.cfg.Dimension)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil, ErrZeroVector
	}
	inv := float32(1 / math.Sqrt(norm))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v * inv
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
