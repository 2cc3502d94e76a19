// Package config provides configuration management for ChatSense.
// It loads settings from environment variables with the CHATSENSE_ prefix
// and provides sensible defaults for all configuration options.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration settings for the ChatSense pipeline.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Adapters  AdaptersConfig
	Queue     QueueConfig
	Index     IndexConfig
	Knowledge KnowledgeConfig
	Reports   ReportsConfig
	Retention RetentionConfig
	Ingest    IngestConfig
	Security  SecurityConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    // Server port (default: 7475)
	Host string // Server host (default: 127.0.0.1)
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	StorageEngine string // Storage engine type: sqlite, postgres (default: sqlite)
	DataPath      string // Path to data directory for sqlite (default: ./data)
	PostgresDSN   string // PostgreSQL connection string (postgres engine only)
}

// AdaptersConfig contains model adapter configuration.
type AdaptersConfig struct {
	Provider             string        // Adapter provider: ollama, heuristic (default: heuristic)
	OllamaURL            string        // Ollama API URL (default: http://localhost:11434)
	OllamaModel          string        // Ollama model for classification/summaries (default: qwen2.5:7b)
	OllamaEmbeddingModel string        // Ollama model for embeddings (default: nomic-embed-text)
	RequestTimeout       time.Duration // Per-request adapter timeout (default: 30s)
	RateLimit            float64       // Adapter requests per second (default: 5)
	RateBurst            int           // Adapter request burst (default: 10)
}

// QueueConfig contains work-queue tuning.
type QueueConfig struct {
	Workers      int           // Concurrent task workers (default: 4)
	PollInterval time.Duration // Idle claim poll interval (default: 1s)
	Lease        time.Duration // Claim lease before reclaim (default: 5m)
	MaxRetries   int           // Retries before a task goes dead (default: 3)
	BaseDelay    time.Duration // First retry backoff (default: 30s)
	MaxDelay     time.Duration // Backoff cap (default: 10m)
	SweepAge     time.Duration // Age before terminal tasks are deleted (default: 24h)
}

// IndexConfig contains in-memory vector index tuning.
type IndexConfig struct {
	Dimension          int           // Expected embedding dimension (default: 384)
	FlatScanThreshold  int           // Below this size, search scans exhaustively (default: 1000)
	Probes             int           // Clusters probed in approximate mode (default: 4)
	ReoptimizeInterval time.Duration // Background recluster interval (default: 10m)
}

// KnowledgeConfig contains Q&A aggregation settings.
type KnowledgeConfig struct {
	MergeThreshold float64       // Cosine similarity above which candidates merge (default: 0.85)
	ExtractWindow  time.Duration // Q&A extraction window per room (default: 30m)
}

// ReportsConfig contains report generation settings.
type ReportsConfig struct {
	Timezone              string  // IANA timezone for report windows (default: UTC)
	DailyHour             int     // Local hour at which daily reports run (default: 0)
	SummaryMaxMessages    int     // Max messages fed to the summarizer per room (default: 200)
	HighPriorityThreshold float64 // Score at or above which a message counts as high priority (default: 7.0)
	TopIntents            int     // Number of intents kept in a report (default: 5)
}

// RetentionConfig contains data retention settings.
type RetentionConfig struct {
	AnalysisDays  int           // Days to keep per-message analyses (default: 90, 0 disables)
	EmbeddingDays int           // Days to keep embeddings (default: 90, 0 disables)
	SweepInterval time.Duration // How often retention sweeps run (default: 1h)
}

// IngestConfig contains file spool ingestion settings.
type IngestConfig struct {
	SpoolDir string // Directory watched for message drop files (empty disables)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string  // Security mode: development, production (default: development)
	APIToken     string  // API authentication token (required in production mode)
	RateLimit    float64 // API requests per second per client (default: 20)
	RateBurst    int     // API request burst (default: 40)
}

// defaultPolicyPath is where the scoring policy file is looked up when the
// environment does not override it.
const defaultPolicyPath = "config/scoring.yaml"

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the CHATSENSE_ prefix.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("CHATSENSE_PORT", 7475),
			Host: getEnv("CHATSENSE_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			StorageEngine: getEnv("CHATSENSE_STORAGE_ENGINE", "sqlite"),
			DataPath:      getEnv("CHATSENSE_DATA_PATH", "./data"),
			PostgresDSN:   getEnv("CHATSENSE_POSTGRES_DSN", ""),
		},
		Adapters: AdaptersConfig{
			Provider:             getEnv("CHATSENSE_ADAPTER_PROVIDER", "heuristic"),
			OllamaURL:            getEnv("CHATSENSE_OLLAMA_URL", "http://localhost:11434"),
			OllamaModel:          getEnv("CHATSENSE_OLLAMA_MODEL", "qwen2.5:7b"),
			OllamaEmbeddingModel: getEnv("CHATSENSE_EMBEDDING_MODEL", "nomic-embed-text"),
			RequestTimeout:       getEnvDuration("CHATSENSE_ADAPTER_TIMEOUT", 30*time.Second),
			RateLimit:            getEnvFloat("CHATSENSE_ADAPTER_RATE_LIMIT", 5),
			RateBurst:            getEnvInt("CHATSENSE_ADAPTER_RATE_BURST", 10),
		},
		Queue: QueueConfig{
			Workers:      getEnvInt("CHATSENSE_QUEUE_WORKERS", 4),
			PollInterval: getEnvDuration("CHATSENSE_QUEUE_POLL_INTERVAL", time.Second),
			Lease:        getEnvDuration("CHATSENSE_QUEUE_LEASE", 5*time.Minute),
			MaxRetries:   getEnvInt("CHATSENSE_QUEUE_MAX_RETRIES", 3),
			BaseDelay:    getEnvDuration("CHATSENSE_QUEUE_BASE_DELAY", 30*time.Second),
			MaxDelay:     getEnvDuration("CHATSENSE_QUEUE_MAX_DELAY", 10*time.Minute),
			SweepAge:     getEnvDuration("CHATSENSE_QUEUE_SWEEP_AGE", 24*time.Hour),
		},
		Index: IndexConfig{
			Dimension:          getEnvInt("CHATSENSE_INDEX_DIMENSION", 384),
			FlatScanThreshold:  getEnvInt("CHATSENSE_INDEX_FLAT_THRESHOLD", 1000),
			Probes:             getEnvInt("CHATSENSE_INDEX_PROBES", 4),
			ReoptimizeInterval: getEnvDuration("CHATSENSE_INDEX_REOPTIMIZE_INTERVAL", 10*time.Minute),
		},
		Knowledge: KnowledgeConfig{
			MergeThreshold: getEnvFloat("CHATSENSE_KNOWLEDGE_MERGE_THRESHOLD", 0.85),
			ExtractWindow:  getEnvDuration("CHATSENSE_KNOWLEDGE_EXTRACT_WINDOW", 30*time.Minute),
		},
		Reports: ReportsConfig{
			Timezone:              getEnv("CHATSENSE_REPORT_TIMEZONE", "UTC"),
			DailyHour:             getEnvInt("CHATSENSE_REPORT_DAILY_HOUR", 0),
			SummaryMaxMessages:    getEnvInt("CHATSENSE_REPORT_SUMMARY_MAX_MESSAGES", 200),
			HighPriorityThreshold: getEnvFloat("CHATSENSE_REPORT_HIGH_PRIORITY_THRESHOLD", 7.0),
			TopIntents:            getEnvInt("CHATSENSE_REPORT_TOP_INTENTS", 5),
		},
		Retention: RetentionConfig{
			AnalysisDays:  getEnvInt("CHATSENSE_RETENTION_ANALYSIS_DAYS", 90),
			EmbeddingDays: getEnvInt("CHATSENSE_RETENTION_EMBEDDING_DAYS", 90),
			SweepInterval: getEnvDuration("CHATSENSE_RETENTION_SWEEP_INTERVAL", time.Hour),
		},
		Ingest: IngestConfig{
			SpoolDir: getEnv("CHATSENSE_SPOOL_DIR", ""),
		},
		Security: SecurityConfig{
			SecurityMode: getEnv("CHATSENSE_SECURITY_MODE", "development"),
			APIToken:     getEnv("CHATSENSE_API_TOKEN", ""),
			RateLimit:    getEnvFloat("CHATSENSE_RATE_LIMIT", 20),
			RateBurst:    getEnvInt("CHATSENSE_RATE_BURST", 40),
		},
	}
	return cfg, nil
}

// PolicyPath returns the scoring policy file path, honouring the
// CHATSENSE_POLICY_PATH override.
func PolicyPath() string {
	return getEnv("CHATSENSE_POLICY_PATH", defaultPolicyPath)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30s", "5m") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
