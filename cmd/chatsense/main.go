// Command chatsense runs the ChatSense enrichment service: the HTTP API,
// the task worker pool, and the optional file-spool ingester.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/chatsense/internal/config"
	"github.com/scrypster/chatsense/internal/engine"
	"github.com/scrypster/chatsense/internal/ingest"
	"github.com/scrypster/chatsense/internal/knowledge"
	"github.com/scrypster/chatsense/internal/nlp"
	"github.com/scrypster/chatsense/internal/report"
	"github.com/scrypster/chatsense/internal/scoring"
	"github.com/scrypster/chatsense/internal/server"
	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/internal/storage/postgres"
	"github.com/scrypster/chatsense/internal/storage/sqlite"
	"github.com/scrypster/chatsense/internal/vector"
)

func main() {
	policyPath := flag.String("policy", "", "Path to scoring policy file (default: config/scoring.yaml)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize storage
	var stores engine.Stores
	var closeStore func() error
	switch cfg.Storage.StorageEngine {
	case "postgres":
		st, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to initialize postgres storage: %v", err)
		}
		stores = engine.Stores{
			Tasks:      postgres.NewTaskStore(st.DB()),
			Messages:   postgres.NewMessageStore(st.DB()),
			Analyses:   postgres.NewAnalysisStore(st.DB()),
			Embeddings: postgres.NewEmbeddingStore(st.DB(), st.PgvectorAvailable()),
			Knowledge:  postgres.NewKnowledgeStore(st.DB()),
			Reports:    postgres.NewReportStore(st.DB()),
		}
		closeStore = st.Close
	default:
		st, err := sqlite.Open(cfg.Storage.DataPath + "/chatsense.db")
		if err != nil {
			log.Fatalf("Failed to initialize sqlite storage: %v", err)
		}
		stores = engine.Stores{
			Tasks:      sqlite.NewTaskStore(st.DB()),
			Messages:   sqlite.NewMessageStore(st.DB()),
			Analyses:   sqlite.NewAnalysisStore(st.DB()),
			Embeddings: sqlite.NewEmbeddingStore(st.DB()),
			Knowledge:  sqlite.NewKnowledgeStore(st.DB()),
			Reports:    sqlite.NewReportStore(st.DB()),
		}
		closeStore = st.Close
	}
	defer closeStore()

	// Model adapters
	adapters, err := nlp.New(cfg.Adapters, cfg.Index.Dimension)
	if err != nil {
		log.Fatalf("Failed to initialize adapters: %v", err)
	}

	// Scoring policy: explicit flag, then the configured path, then defaults
	path := *policyPath
	if path == "" {
		path = config.PolicyPath()
	}
	policy := scoring.DefaultPolicy()
	if _, err := os.Stat(path); err == nil {
		policy, err = scoring.LoadPolicy(path)
		if err != nil {
			log.Fatalf("Failed to load scoring policy from %s: %v", path, err)
		}
		log.Printf("Using scoring policy: %s", path)
	}
	scorer := scoring.NewScorer(policy)

	// The index must match the active embedder's vector width; a mismatch
	// would dead-letter every embed task.
	dimension := adapters.Embedder.Dimension()
	if dimension != cfg.Index.Dimension {
		log.Printf("WARNING: configured index dimension %d overridden to %d by the active embedder",
			cfg.Index.Dimension, dimension)
	}
	index := vector.New(vector.Config{
		Dimension:         dimension,
		FlatScanThreshold: cfg.Index.FlatScanThreshold,
		Probes:            cfg.Index.Probes,
	})
	agg := knowledge.NewAggregator(stores.Knowledge, adapters.Embedder, cfg.Knowledge.MergeThreshold)
	reports := report.NewGenerator(stores.Messages, stores.Analyses, stores.Reports, adapters.Summarizer, report.Config{
		Timezone:              cfg.Reports.Timezone,
		SummaryMaxMessages:    cfg.Reports.SummaryMaxMessages,
		HighPriorityThreshold: cfg.Reports.HighPriorityThreshold,
		TopIntents:            cfg.Reports.TopIntents,
	})

	eng := engine.New(engine.Config{
		Workers:            cfg.Queue.Workers,
		PollInterval:       cfg.Queue.PollInterval,
		Lease:              cfg.Queue.Lease,
		RetryPolicy:        storage.RetryPolicy{MaxRetries: cfg.Queue.MaxRetries, BaseDelay: cfg.Queue.BaseDelay, MaxDelay: cfg.Queue.MaxDelay},
		SweepAge:           cfg.Queue.SweepAge,
		SweepInterval:      cfg.Retention.SweepInterval,
		AnalysisRetention:  time.Duration(cfg.Retention.AnalysisDays) * 24 * time.Hour,
		EmbeddingRetention: time.Duration(cfg.Retention.EmbeddingDays) * 24 * time.Hour,
		ReoptimizeInterval: cfg.Index.ReoptimizeInterval,
		ExtractWindow:      cfg.Knowledge.ExtractWindow,
		DailyHour:          cfg.Reports.DailyHour,
		Timezone:           cfg.Reports.Timezone,
	}, stores, adapters, scorer, index, agg, reports)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server first so the task-completion broadcast is wired before
	// the first worker claim
	addr, _, err := server.Start(ctx, cfg, server.Deps{
		Engine:     eng,
		Analyses:   stores.Analyses,
		Knowledge:  stores.Knowledge,
		Reports:    stores.Reports,
		Aggregator: agg,
		Scorer:     scorer,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("ChatSense API listening at http://%s", addr)

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// Optional file-spool ingester for bridge drop directories
	if cfg.Ingest.SpoolDir != "" {
		watcher, err := ingest.NewWatcher(cfg.Ingest.SpoolDir, eng)
		if err != nil {
			log.Fatalf("Failed to initialize spool watcher: %v", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("ERROR: spool watcher stopped: %v", err)
			}
		}()
		log.Printf("Watching spool directory %s", cfg.Ingest.SpoolDir)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	if err := eng.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down engine: %v", err)
	}

	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}
