// Package server_test provides unit tests for the HTTP server package.
package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/chatsense/internal/config"
	"github.com/scrypster/chatsense/internal/engine"
	"github.com/scrypster/chatsense/internal/knowledge"
	"github.com/scrypster/chatsense/internal/nlp"
	"github.com/scrypster/chatsense/internal/report"
	"github.com/scrypster/chatsense/internal/scoring"
	"github.com/scrypster/chatsense/internal/server"
	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/internal/storage/sqlite"
	"github.com/scrypster/chatsense/internal/vector"
)

// startTestServer starts a server backed by an in-memory SQLite store and a
// stopped engine, returning the base URL. Cleanup is registered with t.Cleanup.
func startTestServer(t *testing.T, cfg *config.Config) string {
	t.Helper()

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	cfg.Server.Port = 0 // Use random port for tests
	if cfg.Security.RateLimit == 0 {
		cfg.Security.RateLimit = 1000
		cfg.Security.RateBurst = 1000
	}

	st, err := sqlite.Open(":memory:")
	require.NoError(t, err, "failed to create in-memory SQLite store")

	stores := engine.Stores{
		Tasks:      sqlite.NewTaskStore(st.DB()),
		Messages:   sqlite.NewMessageStore(st.DB()),
		Analyses:   sqlite.NewAnalysisStore(st.DB()),
		Embeddings: sqlite.NewEmbeddingStore(st.DB()),
		Knowledge:  sqlite.NewKnowledgeStore(st.DB()),
		Reports:    sqlite.NewReportStore(st.DB()),
	}
	adapters := &nlp.Adapters{
		Classifier: nlp.NewHeuristicClassifier(),
		Embedder:   nlp.NewHashEmbedder(64),
		Summarizer: nlp.NewExtractiveSummarizer(50),
		Extractor:  nlp.NewHeuristicExtractor(),
	}
	index := vector.New(vector.Config{Dimension: 64, FlatScanThreshold: 1000, Probes: 4})
	agg := knowledge.NewAggregator(stores.Knowledge, adapters.Embedder, 0.85)
	reports := report.NewGenerator(stores.Messages, stores.Analyses, stores.Reports, adapters.Summarizer, report.Config{Timezone: "UTC"})
	eng := engine.New(engine.Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		RetryPolicy:  storage.RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
	}, stores, adapters, scoring.NewScorer(scoring.DefaultPolicy()), index, agg, reports)

	ctx, cancel := context.WithCancel(context.Background())

	addr, _, err := server.Start(ctx, cfg, server.Deps{
		Engine:     eng,
		Analyses:   stores.Analyses,
		Knowledge:  stores.Knowledge,
		Reports:    stores.Reports,
		Aggregator: agg,
		Scorer:     scoring.NewScorer(scoring.DefaultPolicy()),
	})
	require.NoError(t, err, "server failed to start")

	// Give server a moment to be fully ready for connections
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		cancel()
		time.Sleep(100 * time.Millisecond) // Give server time to shut down
		_ = st.Close()
	})

	return "http://" + addr
}

func TestServer_StartsOnRandomPort(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{SecurityMode: "development"},
	}

	baseURL := startTestServer(t, cfg)

	require.True(t, strings.HasPrefix(baseURL, "http://"))
	addr := strings.TrimPrefix(baseURL, "http://")

	host, port, err := net.SplitHostPort(addr)
	assert.NoError(t, err, "address should be valid host:port format")
	assert.NotEmpty(t, host)
	assert.NotEqual(t, "0", port, "port should not be 0 in actual address")
}

func TestServer_HealthEndpoint(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{SecurityMode: "development"},
	}

	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var healthResp map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&healthResp))
	assert.Equal(t, "healthy", healthResp["status"])
}

func TestServer_SecurityHeaders(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{SecurityMode: "development"},
	}

	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	expectedHeaders := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}

	for headerName, expectedValue := range expectedHeaders {
		assert.Equal(t, expectedValue, resp.Header.Get(headerName),
			"header %q mismatch", headerName)
	}
}

func TestServer_DevelopmentMode_NoAuth(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{SecurityMode: "development"},
	}

	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/api/queue/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode,
		"in development mode, /api/queue/stats should be accessible without auth")
}

func TestServer_ProductionMode_RequiresAuth(t *testing.T) {
	testToken := "test-secret-token-xyz123"
	cfg := &config.Config{
		Security: config.SecurityConfig{
			SecurityMode: "production",
			APIToken:     testToken,
		},
	}

	baseURL := startTestServer(t, cfg)

	t.Run("without_auth_header", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/queue/stats")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("with_valid_auth_header", func(t *testing.T) {
		req, err := http.NewRequest("GET", baseURL+"/api/queue/stats", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testToken)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("with_invalid_auth_header", func(t *testing.T) {
		req, err := http.NewRequest("GET", baseURL+"/api/queue/stats", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer wrong-token")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestServer_HealthEndpointNoAuth(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{
			SecurityMode: "production",
			APIToken:     "test-token",
		},
	}

	baseURL := startTestServer(t, cfg)

	// Health endpoint should be accessible without auth even in production
	resp, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_HTTPMethods(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{SecurityMode: "development"},
	}

	baseURL := startTestServer(t, cfg)

	tests := []struct {
		method  string
		path    string
		body    string
		allowed bool
	}{
		{"POST", "/api/health", "", false},
		{"GET", "/api/messages", "", false},
		{"POST", "/api/messages", `{"message_id":"m1","room_id":"room-a","content":"hi"}`, true},
		{"GET", "/api/queue/stats", "", true},
		{"DELETE", "/api/queue/stats", "", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.method, tt.path), func(t *testing.T) {
			req, err := http.NewRequest(tt.method, baseURL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			if tt.allowed {
				assert.NotEqual(t, http.StatusMethodNotAllowed, resp.StatusCode,
					"%s %s should be allowed", tt.method, tt.path)
			} else {
				assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode,
					"%s %s should not be allowed", tt.method, tt.path)
			}
		})
	}
}

func TestServer_IngestOverHTTP(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{SecurityMode: "development"},
	}

	baseURL := startTestServer(t, cfg)

	body := []byte(`{"message_id":"m1","room_id":"room-a","sender":"alice","content":"hello"}`)
	resp, err := http.Post(baseURL+"/api/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The queue now holds the classify and embed tasks.
	statsResp, err := http.Get(baseURL + "/api/queue/stats")
	require.NoError(t, err)
	defer func() { _ = statsResp.Body.Close() }()

	var stats storage.QueueStats
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Pending)
}

func TestServer_GracefulShutdown(t *testing.T) {
	cfg := &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Security: config.SecurityConfig{SecurityMode: "development", RateLimit: 1000, RateBurst: 1000},
	}

	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	stores := engine.Stores{
		Tasks:      sqlite.NewTaskStore(st.DB()),
		Messages:   sqlite.NewMessageStore(st.DB()),
		Analyses:   sqlite.NewAnalysisStore(st.DB()),
		Embeddings: sqlite.NewEmbeddingStore(st.DB()),
		Knowledge:  sqlite.NewKnowledgeStore(st.DB()),
		Reports:    sqlite.NewReportStore(st.DB()),
	}
	adapters := &nlp.Adapters{
		Classifier: nlp.NewHeuristicClassifier(),
		Embedder:   nlp.NewHashEmbedder(64),
		Summarizer: nlp.NewExtractiveSummarizer(50),
		Extractor:  nlp.NewHeuristicExtractor(),
	}
	index := vector.New(vector.Config{Dimension: 64, FlatScanThreshold: 1000, Probes: 4})
	agg := knowledge.NewAggregator(stores.Knowledge, adapters.Embedder, 0.85)
	reports := report.NewGenerator(stores.Messages, stores.Analyses, stores.Reports, adapters.Summarizer, report.Config{Timezone: "UTC"})
	eng := engine.New(engine.Config{Workers: 1}, stores, adapters, scoring.NewScorer(scoring.DefaultPolicy()), index, agg, reports)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, _, err := server.Start(ctx, cfg, server.Deps{
		Engine:     eng,
		Analyses:   stores.Analyses,
		Knowledge:  stores.Knowledge,
		Reports:    stores.Reports,
		Aggregator: agg,
		Scorer:     scoring.NewScorer(scoring.DefaultPolicy()),
	})
	require.NoError(t, err)
	baseURL := "http://" + addr

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err, "server should be responding before shutdown")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	time.Sleep(200 * time.Millisecond)

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer checkCancel()

	req, _ := http.NewRequestWithContext(checkCtx, "GET", baseURL+"/api/health", nil)
	_, err = http.DefaultClient.Do(req)
	assert.Error(t, err, "server should stop responding after shutdown")
}
