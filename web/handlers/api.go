package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/chatsense/internal/config"
	"github.com/scrypster/chatsense/internal/engine"
	"github.com/scrypster/chatsense/internal/knowledge"
	"github.com/scrypster/chatsense/internal/scoring"
	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// defaultSearchLimit bounds POST /api/search when the client omits one.
const defaultSearchLimit = 10

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	engine     *engine.Engine
	analyses   storage.AnalysisStore
	knowledge  storage.KnowledgeStore
	reports    storage.ReportStore
	aggregator *knowledge.Aggregator
	scorer     *scoring.Scorer
	config     *config.Config
}

// NewAPIHandlers creates a new APIHandlers instance.
func NewAPIHandlers(e *engine.Engine, analyses storage.AnalysisStore, ks storage.KnowledgeStore, rs storage.ReportStore, agg *knowledge.Aggregator, scorer *scoring.Scorer, cfg *config.Config) *APIHandlers {
	return &APIHandlers{
		engine:     e,
		analyses:   analyses,
		knowledge:  ks,
		reports:    rs,
		aggregator: agg,
		scorer:     scorer,
		config:     cfg,
	}
}

// IngestRequest represents the request body for submitting a message.
type IngestRequest struct {
	MessageID  string     `json:"message_id"`
	RoomID     string     `json:"room_id"`
	Sender     string     `json:"sender"`
	Content    string     `json:"content"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// IngestMessage handles POST /api/messages - submit a message for enrichment.
// The message is stored and analysis happens asynchronously; re-submitting
// the same message ID is a no-op.
func (h *APIHandlers) IngestMessage(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}

	// Validate required fields
	if req.MessageID == "" {
		respondError(w, http.StatusBadRequest, "message_id is required", nil)
		return
	}
	if req.RoomID == "" {
		respondError(w, http.StatusBadRequest, "room_id is required", nil)
		return
	}

	msg := &types.Message{
		ID:      req.MessageID,
		RoomID:  req.RoomID,
		Sender:  req.Sender,
		Content: req.Content,
	}
	if req.ObservedAt != nil && !req.ObservedAt.IsZero() {
		msg.ObservedAt = *req.ObservedAt
	} else {
		msg.ObservedAt = time.Now().UTC()
	}

	if err := h.engine.IngestMessage(r.Context(), msg); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid message", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to ingest message", err)
		return
	}

	// 202: the message is queued, analysis fields populate asynchronously
	respondJSON(w, http.StatusAccepted, msg)
}

// ListAnalyses handles GET /api/rooms/{room}/analyses - list enrichment
// results for a room ordered by priority score descending.
// Supports page, limit, from, to (RFC 3339), min_score and ranked query
// parameters.
func (h *APIHandlers) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	roomID := extractID(r, "room")
	if roomID == "" {
		respondError(w, http.StatusBadRequest, "room ID is required", nil)
		return
	}

	opts := storage.ListOptions{
		Page:  parseInt(r.URL.Query().Get("page"), 1),
		Limit: parseInt(r.URL.Query().Get("limit"), 20),
	}

	var err error
	if opts.From, err = parseTime(r.URL.Query().Get("from")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid from time", err)
		return
	}
	if opts.To, err = parseTime(r.URL.Query().Get("to")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid to time", err)
		return
	}
	if s := r.URL.Query().Get("min_score"); s != "" {
		opts.MinScore, err = strconv.ParseFloat(s, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid min_score", err)
			return
		}
	}
	opts.Normalize()

	result, err := h.analyses.ListByRoom(r.Context(), roomID, opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list analyses", err)
		return
	}

	// ?ranked=true re-sorts the page by recency-decayed score. The decay is
	// presentation-only; stored scores are never modified.
	if r.URL.Query().Get("ranked") == "true" && h.scorer != nil {
		now := time.Now()
		ranked := make(map[string]float64, len(result.Items))
		for _, a := range result.Items {
			if a.PriorityScore == nil {
				continue
			}
			ranked[a.MessageID] = h.scorer.RankedScore(*a.PriorityScore, now.Sub(a.ProcessedAt))
		}
		sort.SliceStable(result.Items, func(i, j int) bool {
			return ranked[result.Items[i].MessageID] > ranked[result.Items[j].MessageID]
		})
	}

	respondJSON(w, http.StatusOK, result)
}

// GetAnalysis handles GET /api/analyses/{id} - get the enrichment result
// for a single message.
func (h *APIHandlers) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := extractID(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "message ID is required", nil)
		return
	}

	analysis, err := h.analyses.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "analysis not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get analysis", err)
		return
	}

	respondJSON(w, http.StatusOK, analysis)
}

// Search handles POST /api/search - semantic similarity search over
// message embeddings.
func (h *APIHandlers) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}

	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "query is required", nil)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > 100 {
		limit = 100
	}

	hits, err := h.engine.Search(r.Context(), req.Query, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "search failed", err)
		return
	}

	respondJSON(w, http.StatusOK, SearchResponse{
		Results: toSearchResults(hits),
		Total:   len(hits),
		Query:   req.Query,
	})
}

// ListKnowledge handles GET /api/rooms/{room}/knowledge - list Q&A entries
// for a room ordered by confidence descending. With ?curated=true only
// verified entries and entries past the vote margin are returned; ?q=
// narrows the page to entries whose question or answer contains the text.
func (h *APIHandlers) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	roomID := extractID(r, "room")
	if roomID == "" {
		respondError(w, http.StatusBadRequest, "room ID is required", nil)
		return
	}

	opts := storage.ListOptions{
		Page:  parseInt(r.URL.Query().Get("page"), 1),
		Limit: parseInt(r.URL.Query().Get("limit"), 20),
		Query: strings.TrimSpace(r.URL.Query().Get("q")),
	}
	opts.Normalize()

	if r.URL.Query().Get("curated") == "true" {
		entries, err := h.aggregator.Curated(r.Context(), roomID, opts)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list knowledge", err)
			return
		}
		respondJSON(w, http.StatusOK, KnowledgeListResponse{
			Entries: entries,
			Total:   len(entries),
			Page:    opts.Page,
		})
		return
	}

	result, err := h.knowledge.ListByRoom(r.Context(), roomID, opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list knowledge", err)
		return
	}

	respondJSON(w, http.StatusOK, KnowledgeListResponse{
		Entries: result.Items,
		Total:   result.Total,
		Page:    result.Page,
		HasMore: result.HasMore,
	})
}

// VoteKnowledge handles POST /api/knowledge/{id}/vote - record an up or
// down vote on a knowledge entry.
func (h *APIHandlers) VoteKnowledge(w http.ResponseWriter, r *http.Request) {
	id := extractID(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entry ID is required", nil)
		return
	}

	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}

	entry, err := h.aggregator.Vote(r.Context(), id, req.Up)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entry not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to record vote", err)
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

// VerifyKnowledge handles POST /api/knowledge/{id}/verify - mark a
// knowledge entry as human-verified.
func (h *APIHandlers) VerifyKnowledge(w http.ResponseWriter, r *http.Request) {
	id := extractID(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entry ID is required", nil)
		return
	}

	if err := h.aggregator.Verify(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entry not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to verify entry", err)
		return
	}

	entry, err := h.knowledge.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get entry", err)
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

// GetReport handles GET /api/reports/{type}/{date} - retrieve a generated
// daily or weekly report. Date is YYYY-MM-DD.
func (h *APIHandlers) GetReport(w http.ResponseWriter, r *http.Request) {
	typ := types.ReportType(extractID(r, "type"))
	if !typ.Valid() {
		respondError(w, http.StatusBadRequest, "report type must be daily or weekly", nil)
		return
	}

	date := extractID(r, "date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD", err)
		return
	}

	report, err := h.reports.Get(r.Context(), date, typ)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "report not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get report", err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// QueueStats handles GET /api/queue/stats - per-status task counts.
func (h *APIHandlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.QueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get queue stats", err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// DeadTasks handles GET /api/queue/dead - tasks that exhausted their retry
// bound, newest first, for operator inspection.
func (h *APIHandlers) DeadTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	if limit > 1000 {
		limit = 1000
	}

	tasks, err := h.engine.DeadTasks(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead tasks", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// Helper functions

// extractID extracts a path parameter from the request.
func extractID(r *http.Request, key string) string {
	return r.PathValue(key)
}

// parseInt parses an integer from a string, returning defaultValue if parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// parseTime parses an RFC 3339 timestamp, returning the zero time for an
// empty string.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// If encoding fails, log but don't try to write another response
		// (headers already sent)
		fmt.Printf("failed to encode JSON response: %v\n", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}
