package handlers

import (
	"github.com/scrypster/chatsense/internal/vector"
	"github.com/scrypster/chatsense/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SearchRequest is the request format for POST /api/search.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchResponse is the response format for POST /api/search.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Query   string         `json:"query"`
}

// SearchResult is a single semantic search hit.
type SearchResult struct {
	MessageID  string  `json:"message_id"`
	RoomID     string  `json:"room_id"`
	Similarity float64 `json:"similarity"`
}

func toSearchResults(hits []vector.Result) []SearchResult {
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchResult{
			MessageID:  h.MessageID,
			RoomID:     h.RoomID,
			Similarity: h.Similarity,
		})
	}
	return results
}

// VoteRequest is the request format for POST /api/knowledge/{id}/vote.
type VoteRequest struct {
	Up bool `json:"up"`
}

// KnowledgeListResponse is the response format for room knowledge listings.
type KnowledgeListResponse struct {
	Entries []types.KnowledgeEntry `json:"entries"`
	Total   int                    `json:"total"`
	Page    int                    `json:"page"`
	HasMore bool                   `json:"has_more"`
}

// TaskEvent is broadcast to WebSocket clients when a task settles.
type TaskEvent struct {
	TaskID    string         `json:"task_id"`
	MessageID string         `json:"message_id"`
	RoomID    string         `json:"room_id"`
	Type      types.TaskType `json:"task_type"`
	Status    string         `json:"status"`
}
