// Package engine runs the enrichment pipeline: it ingests messages,
// schedules per-message tasks on the durable queue, and drives the worker
// pool that feeds adapters, scorer, vector index, knowledge aggregator, and
// report generator.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/chatsense/internal/knowledge"
	"github.com/scrypster/chatsense/internal/nlp"
	"github.com/scrypster/chatsense/internal/report"
	"github.com/scrypster/chatsense/internal/scoring"
	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/internal/vector"
	"github.com/scrypster/chatsense/pkg/types"
)

// Config tunes the engine's worker pool and maintenance loops.
type Config struct {
	Workers            int
	PollInterval       time.Duration
	Lease              time.Duration
	RetryPolicy        storage.RetryPolicy
	SweepAge           time.Duration // age at which terminal tasks are swept
	SweepInterval      time.Duration
	AnalysisRetention  time.Duration // 0 disables analysis sweeps
	EmbeddingRetention time.Duration // 0 disables embedding sweeps
	ReoptimizeInterval time.Duration
	ExtractWindow      time.Duration
	DailyHour          int
	Timezone           string
	ShutdownTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.RetryPolicy.MaxRetries == 0 {
		c.RetryPolicy = storage.DefaultRetryPolicy()
	}
	if c.SweepAge <= 0 {
		c.SweepAge = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.ReoptimizeInterval <= 0 {
		c.ReoptimizeInterval = 10 * time.Minute
	}
	if c.ExtractWindow <= 0 {
		c.ExtractWindow = 30 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Stores bundles the storage providers the engine drives.
type Stores struct {
	Tasks      storage.TaskStore
	Messages   storage.MessageStore
	Analyses   storage.AnalysisStore
	Embeddings storage.EmbeddingStore
	Knowledge  storage.KnowledgeStore
	Reports    storage.ReportStore
}

// Engine coordinates ingestion, the worker pool, and background
// maintenance. Create with New, then Start; Shutdown drains workers.
type Engine struct {
	cfg      Config
	stores   Stores
	adapters *nlp.Adapters
	scorer   *scoring.Scorer
	index    *vector.Index
	agg      *knowledge.Aggregator
	reports  *report.Generator
	loc      *time.Location

	workerWaitGroup sync.WaitGroup
	cancel          context.CancelFunc
	started         bool
	mu              sync.Mutex

	onTaskComplete func(task *types.Task)
}

// New wires an engine from its parts.
func New(cfg Config, stores Stores, adapters *nlp.Adapters, scorer *scoring.Scorer, index *vector.Index, agg *knowledge.Aggregator, reports *report.Generator) *Engine {
	cfg.applyDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("WARNING: invalid engine timezone %q, using UTC: %v", cfg.Timezone, err)
		loc = time.UTC
	}
	return &Engine{
		cfg:      cfg,
		stores:   stores,
		adapters: adapters,
		scorer:   scorer,
		index:    index,
		agg:      agg,
		reports:  reports,
		loc:      loc,
	}
}

// SetOnTaskComplete registers a callback invoked after each successfully
// completed task (e.g. a WebSocket broadcast). Must be called before Start.
func (e *Engine) SetOnTaskComplete(fn func(task *types.Task)) {
	e.onTaskComplete = fn
}

// Start rebuilds the vector index from durable embeddings, then launches
// the worker pool and maintenance loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	if err := e.rebuildIndex(ctx); err != nil {
		return fmt.Errorf("failed to rebuild vector index: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	for i := 0; i < e.cfg.Workers; i++ {
		e.workerWaitGroup.Add(1)
		go e.worker(runCtx, i)
	}
	e.workerWaitGroup.Add(1)
	go e.maintenanceLoop(runCtx)

	e.started = true
	log.Printf("Engine started with %d workers (poll %v, lease %v)",
		e.cfg.Workers, e.cfg.PollInterval, e.cfg.Lease)
	return nil
}

// Shutdown stops the workers and waits for in-flight tasks to finish, up to
// the configured shutdown timeout. Unfinished claims are reclaimed by lease
// expiry on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.workerWaitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers finished gracefully")
	case <-time.After(e.cfg.ShutdownTimeout):
		log.Println("WARNING: shutdown timeout reached, abandoning in-flight tasks to lease reclaim")
	case <-ctx.Done():
		log.Println("WARNING: shutdown context cancelled, abandoning in-flight tasks to lease reclaim")
	}
	e.started = false
	return nil
}

// IngestMessage persists a raw message and enqueues its enrichment tasks.
// Re-delivery of the same message is idempotent end to end: the insert is a
// no-op and the non-terminal task uniqueness absorbs duplicate enqueues.
func (e *Engine) IngestMessage(ctx context.Context, msg *types.Message) error {
	if err := e.stores.Messages.Insert(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	for _, typ := range []types.TaskType{types.TaskClassify, types.TaskEmbed} {
		if err := e.enqueue(ctx, msg.ID, msg.RoomID, typ, types.DefaultTaskPriority); err != nil {
			return err
		}
	}
	return nil
}

// Search embeds the query text and returns the k nearest stored messages by
// cosine similarity.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]vector.Result, error) {
	vec, err := e.adapters.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return e.index.Search(vec, k)
}

// QueueStats exposes the queue counters for the operator API.
func (e *Engine) QueueStats(ctx context.Context) (*storage.QueueStats, error) {
	return e.stores.Tasks.Stats(ctx)
}

// DeadTasks lists tasks that exhausted their retries.
func (e *Engine) DeadTasks(ctx context.Context, limit int) ([]types.Task, error) {
	return e.stores.Tasks.DeadTasks(ctx, limit)
}

func (e *Engine) enqueue(ctx context.Context, messageID, roomID string, typ types.TaskType, priority int) error {
	task := &types.Task{
		ID:        uuid.New().String(),
		MessageID: messageID,
		RoomID:    roomID,
		Type:      typ,
		Priority:  priority,
	}
	if _, _, err := e.stores.Tasks.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue %s task for %s: %w", typ, messageID, err)
	}
	return nil
}

// rebuildIndex streams every durable embedding into the in-memory index.
func (e *Engine) rebuildIndex(ctx context.Context) error {
	var count, skipped int
	err := e.stores.Embeddings.All(ctx, func(emb storage.StoredEmbedding) error {
		if err := e.index.Upsert(emb.MessageID, emb.RoomID, emb.Vector, emb.CreatedAt); err != nil {
			skipped++
			log.Printf("WARNING: skipping stored embedding %s during index rebuild: %v", emb.MessageID, err)
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if count > 0 || skipped > 0 {
		log.Printf("Rebuilt vector index with %d embeddings (%d skipped)", count, skipped)
	}
	e.index.Reoptimize()
	return nil
}
