package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/internal/storage/sqlite"
	"github.com/scrypster/chatsense/internal/vector"
	"github.com/scrypster/chatsense/pkg/types"
)

const testDimension = 64

type testDeps struct {
	handlers   *APIHandlers
	engine     *engine.Engine
	analyses   storage.AnalysisStore
	knowledge  storage.KnowledgeStore
	reports    storage.ReportStore
	aggregator *knowledge.Aggregator
}

func newTestAPI(t *testing.T) *testDeps {
	t.Helper()

	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

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
		Embedder:   nlp.NewHashEmbedder(testDimension),
		Summarizer: nlp.NewExtractiveSummarizer(50),
		Extractor:  nlp.NewHeuristicExtractor(),
	}

	index := vector.New(vector.Config{Dimension: testDimension, FlatScanThreshold: 1000, Probes: 4})
	agg := knowledge.NewAggregator(stores.Knowledge, adapters.Embedder, 0.85)
	reports := report.NewGenerator(stores.Messages, stores.Analyses, stores.Reports, adapters.Summarizer, report.Config{Timezone: "UTC"})

	e := engine.New(engine.Config{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		RetryPolicy:  storage.RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
	}, stores, adapters, scoring.NewScorer(scoring.DefaultPolicy()), index, agg, reports)

	cfg := &config.Config{}
	return &testDeps{
		handlers:   NewAPIHandlers(e, stores.Analyses, stores.Knowledge, stores.Reports, agg, scoring.NewScorer(scoring.DefaultPolicy()), cfg),
		engine:     e,
		analyses:   stores.Analyses,
		knowledge:  stores.Knowledge,
		reports:    stores.Reports,
		aggregator: agg,
	}
}

func postJSON(t *testing.T, target string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return httptest.NewRequest("POST", target, bytes.NewReader(data))
}

func TestAPIHandlers_IngestMessage(t *testing.T) {
	d := newTestAPI(t)

	req := postJSON(t, "/api/messages", IngestRequest{
		MessageID: "m1",
		RoomID:    "room-a",
		Sender:    "alice",
		Content:   "hello there",
	})
	w := httptest.NewRecorder()
	d.handlers.IngestMessage(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var msg types.Message
	require.NoError(t, json.NewDecoder(w.Body).Decode(&msg))
	assert.Equal(t, "m1", msg.ID)
	assert.False(t, msg.ObservedAt.IsZero())

	stats, err := d.engine.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
}

func TestAPIHandlers_IngestMessage_Validation(t *testing.T) {
	d := newTestAPI(t)

	tests := []struct {
		name string
		req  IngestRequest
	}{
		{"missing message_id", IngestRequest{RoomID: "room-a", Content: "hi"}},
		{"missing room_id", IngestRequest{MessageID: "m1", Content: "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			d.handlers.IngestMessage(w, postJSON(t, "/api/messages", tt.req))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func seedAnalysis(t *testing.T, d *testDeps, id, room, intent string, score float64) {
	t.Helper()
	require.NoError(t, d.analyses.UpsertClassification(context.Background(), &types.MessageAnalysis{
		MessageID:     id,
		RoomID:        room,
		Sender:        "alice",
		Content:       "content of " + id,
		Intent:        intent,
		PriorityScore: &score,
		ProcessedAt:   time.Now().UTC(),
	}))
}

func TestAPIHandlers_ListAnalyses(t *testing.T) {
	d := newTestAPI(t)
	seedAnalysis(t, d, "m1", "room-a", "urgent", 9.0)
	seedAnalysis(t, d, "m2", "room-a", "casual", 2.0)
	seedAnalysis(t, d, "m3", "room-b", "support", 6.0)

	req := httptest.NewRequest("GET", "/api/rooms/room-a/analyses", nil)
	req.SetPathValue("room", "room-a")
	w := httptest.NewRecorder()
	d.handlers.ListAnalyses(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var result storage.PaginatedResult[types.MessageAnalysis]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	require.Len(t, result.Items, 2)
	// Priority descending
	assert.Equal(t, "m1", result.Items[0].MessageID)
	assert.Equal(t, "m2", result.Items[1].MessageID)
}

func TestAPIHandlers_ListAnalyses_Ranked(t *testing.T) {
	d := newTestAPI(t)

	// Stale high score decays below a fresh moderate one (24h half-life).
	oldScore := 9.0
	require.NoError(t, d.analyses.UpsertClassification(context.Background(), &types.MessageAnalysis{
		MessageID:     "m-old",
		RoomID:        "room-a",
		Sender:        "alice",
		Content:       "old urgent message",
		Intent:        "urgent",
		PriorityScore: &oldScore,
		ProcessedAt:   time.Now().UTC().Add(-96 * time.Hour),
	}))
	seedAnalysis(t, d, "m-fresh", "room-a", "support", 4.0)

	req := httptest.NewRequest("GET", "/api/rooms/room-a/analyses?ranked=true", nil)
	req.SetPathValue("room", "room-a")
	w := httptest.NewRecorder()
	d.handlers.ListAnalyses(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var result storage.PaginatedResult[types.MessageAnalysis]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	require.Len(t, result.Items, 2)
	assert.Equal(t, "m-fresh", result.Items[0].MessageID)
	assert.Equal(t, "m-old", result.Items[1].MessageID)
}

func TestAPIHandlers_ListAnalyses_MinScore(t *testing.T) {
	d := newTestAPI(t)
	seedAnalysis(t, d, "m1", "room-a", "urgent", 9.0)
	seedAnalysis(t, d, "m2", "room-a", "casual", 2.0)

	req := httptest.NewRequest("GET", "/api/rooms/room-a/analyses?min_score=7", nil)
	req.SetPathValue("room", "room-a")
	w := httptest.NewRecorder()
	d.handlers.ListAnalyses(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var result storage.PaginatedResult[types.MessageAnalysis]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	require.Len(t, result.Items, 1)
	assert.Equal(t, "m1", result.Items[0].MessageID)
}

func TestAPIHandlers_ListAnalyses_InvalidTime(t *testing.T) {
	d := newTestAPI(t)

	req := httptest.NewRequest("GET", "/api/rooms/room-a/analyses?from=notatime", nil)
	req.SetPathValue("room", "room-a")
	w := httptest.NewRecorder()
	d.handlers.ListAnalyses(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIHandlers_GetAnalysis(t *testing.T) {
	d := newTestAPI(t)
	seedAnalysis(t, d, "m1", "room-a", "urgent", 9.0)

	req := httptest.NewRequest("GET", "/api/analyses/m1", nil)
	req.SetPathValue("id", "m1")
	w := httptest.NewRecorder()
	d.handlers.GetAnalysis(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var analysis types.MessageAnalysis
	require.NoError(t, json.NewDecoder(w.Body).Decode(&analysis))
	assert.Equal(t, "urgent", analysis.Intent)
}

func TestAPIHandlers_GetAnalysis_NotFound(t *testing.T) {
	d := newTestAPI(t)

	req := httptest.NewRequest("GET", "/api/analyses/missing", nil)
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()
	d.handlers.GetAnalysis(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIHandlers_Search(t *testing.T) {
	d := newTestAPI(t)
	ctx := context.Background()

	require.NoError(t, d.engine.Start(ctx))
	t.Cleanup(func() { _ = d.engine.Shutdown(context.Background()) })

	require.NoError(t, d.engine.IngestMessage(ctx, &types.Message{
		ID: "m1", RoomID: "room-a", Sender: "alice",
		Content: "the database migration finished last night", ObservedAt: time.Now().UTC(),
	}))

	// Wait for the embed task to land in the index.
	require.Eventually(t, func() bool {
		hits, err := d.engine.Search(ctx, "database migration", 5)
		return err == nil && len(hits) == 1
	}, 5*time.Second, 20*time.Millisecond)

	w := httptest.NewRecorder()
	d.handlers.Search(w, postJSON(t, "/api/search", SearchRequest{Query: "database migration"}))

	require.Equal(t, http.StatusOK, w.Code)

	var resp SearchResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "m1", resp.Results[0].MessageID)
	assert.Equal(t, "room-a", resp.Results[0].RoomID)
	assert.Greater(t, resp.Results[0].Similarity, 0.9)
}

func TestAPIHandlers_Search_EmptyQuery(t *testing.T) {
	d := newTestAPI(t)

	w := httptest.NewRecorder()
	d.handlers.Search(w, postJSON(t, "/api/search", SearchRequest{Query: ""}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func seedEntry(t *testing.T, d *testDeps, room, question, answer string) *types.KnowledgeEntry {
	t.Helper()
	entry, _, err := d.aggregator.Propose(context.Background(), room, types.QACandidate{
		Question:   question,
		Answer:     answer,
		Confidence: 0.8,
	})
	require.NoError(t, err)
	return entry
}

func TestAPIHandlers_ListKnowledge(t *testing.T) {
	d := newTestAPI(t)
	seedEntry(t, d, "room-a", "How do I reset my password?", "Use the account settings page.")
	seedEntry(t, d, "room-a", "Where are the deploy logs?", "In the CI dashboard under artifacts.")
	seedEntry(t, d, "room-b", "What is the SLA?", "99.9 percent monthly uptime.")

	req := httptest.NewRequest("GET", "/api/rooms/room-a/knowledge", nil)
	req.SetPathValue("room", "room-a")
	w := httptest.NewRecorder()
	d.handlers.ListKnowledge(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp KnowledgeListResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Entries, 2)
	assert.Equal(t, 2, resp.Total)
}

func TestAPIHandlers_ListKnowledge_TextFilter(t *testing.T) {
	d := newTestAPI(t)
	seedEntry(t, d, "room-a", "How do I reset my password?", "Use the account settings page.")
	seedEntry(t, d, "room-a", "Where are the deploy logs?", "In the CI dashboard under artifacts.")

	req := httptest.NewRequest("GET", "/api/rooms/room-a/knowledge?q=password", nil)
	req.SetPathValue("room", "room-a")
	w := httptest.NewRecorder()
	d.handlers.ListKnowledge(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp KnowledgeListResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Entries, 1)
	assert.Contains(t, resp.Entries[0].Question, "password")
	// The filter runs in the store, so Total counts every match rather
	// than the fetched page.
	assert.Equal(t, 1, resp.Total)
}

func TestAPIHandlers_ListKnowledge_CuratedFilter(t *testing.T) {
	d := newTestAPI(t)
	verified := seedEntry(t, d, "room-a", "How do I reset my password?", "Use the account settings page.")
	seedEntry(t, d, "room-a", "Where are the deploy logs?", "In the CI dashboard under artifacts.")
	require.NoError(t, d.aggregator.Verify(context.Background(), verified.ID))

	req := httptest.NewRequest("GET", "/api/rooms/room-a/knowledge?curated=true", nil)
	req.SetPathValue("room", "room-a")
	w := httptest.NewRecorder()
	d.handlers.ListKnowledge(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp KnowledgeListResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, verified.ID, resp.Entries[0].ID)
}

func TestAPIHandlers_VoteKnowledge(t *testing.T) {
	d := newTestAPI(t)
	entry := seedEntry(t, d, "room-a", "How do I reset my password?", "Use the account settings page.")

	req := postJSON(t, "/api/knowledge/"+entry.ID+"/vote", VoteRequest{Up: true})
	req.SetPathValue("id", entry.ID)
	w := httptest.NewRecorder()
	d.handlers.VoteKnowledge(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var updated types.KnowledgeEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&updated))
	assert.Equal(t, 1, updated.Upvotes)
	assert.Equal(t, 0, updated.Downvotes)
}

func TestAPIHandlers_VoteKnowledge_NotFound(t *testing.T) {
	d := newTestAPI(t)

	req := postJSON(t, "/api/knowledge/missing/vote", VoteRequest{Up: true})
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()
	d.handlers.VoteKnowledge(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIHandlers_VerifyKnowledge(t *testing.T) {
	d := newTestAPI(t)
	entry := seedEntry(t, d, "room-a", "How do I reset my password?", "Use the account settings page.")

	req := httptest.NewRequest("POST", "/api/knowledge/"+entry.ID+"/verify", nil)
	req.SetPathValue("id", entry.ID)
	w := httptest.NewRecorder()
	d.handlers.VerifyKnowledge(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var updated types.KnowledgeEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&updated))
	assert.True(t, updated.IsVerified)
}

func TestAPIHandlers_GetReport(t *testing.T) {
	d := newTestAPI(t)
	require.NoError(t, d.reports.Save(context.Background(), &types.DailyReport{
		ReportDate:    "2026-02-10",
		ReportType:    types.ReportDaily,
		TotalMessages: 42,
		RoomSummaries: map[string]types.RoomSummary{},
		TopIntents:    map[string]int{"support": 12},
		GeneratedAt:   time.Now().UTC(),
	}))

	req := httptest.NewRequest("GET", "/api/reports/daily/2026-02-10", nil)
	req.SetPathValue("type", "daily")
	req.SetPathValue("date", "2026-02-10")
	w := httptest.NewRecorder()
	d.handlers.GetReport(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var saved types.DailyReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&saved))
	assert.Equal(t, 42, saved.TotalMessages)
}

func TestAPIHandlers_GetReport_Validation(t *testing.T) {
	d := newTestAPI(t)

	tests := []struct {
		name     string
		typ      string
		date     string
		wantCode int
	}{
		{"unknown type", "monthly", "2026-02-10", http.StatusBadRequest},
		{"bad date", "daily", "10-02-2026", http.StatusBadRequest},
		{"not generated yet", "daily", "2026-02-11", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/reports/"+tt.typ+"/"+tt.date, nil)
			req.SetPathValue("type", tt.typ)
			req.SetPathValue("date", tt.date)
			w := httptest.NewRecorder()
			d.handlers.GetReport(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestAPIHandlers_QueueStats(t *testing.T) {
	d := newTestAPI(t)
	require.NoError(t, d.engine.IngestMessage(context.Background(), &types.Message{
		ID: "m1", RoomID: "room-a", Content: "hi", ObservedAt: time.Now().UTC(),
	}))

	req := httptest.NewRequest("GET", "/api/queue/stats", nil)
	w := httptest.NewRecorder()
	d.handlers.QueueStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var stats storage.QueueStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Pending)
}

func TestAPIHandlers_DeadTasks_Empty(t *testing.T) {
	d := newTestAPI(t)

	req := httptest.NewRequest("GET", "/api/queue/dead", nil)
	w := httptest.NewRecorder()
	d.handlers.DeadTasks(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)
}
