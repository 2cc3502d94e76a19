package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// RetryPolicy controls how failed tasks are re-delivered.
type RetryPolicy struct {
	// MaxRetries is the number of re-deliveries before a task goes dead.
	MaxRetries int

	// BaseDelay is the backoff for the first retry; each subsequent retry
	// doubles it, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the stock policy: 3 retries, 30s base delay,
// capped at 10 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
		MaxDelay:   10 * time.Minute,
	}
}

// Backoff returns the delay before the given retry attempt is re-delivered.
// retryCount is the attempt number after the increment (1 for the first retry).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering options for list operations.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 20, max: 100).
	Limit int

	// From filters to records observed at or after this time.
	// Zero value means no lower bound.
	From time.Time

	// To filters to records observed strictly before this time.
	// Zero value means no upper bound.
	To time.Time

	// MinScore filters analyses to those with a priority score >= this value.
	MinScore float64

	// Query filters knowledge entries to those whose question or answer
	// contains this text (case-insensitive). Empty means no text filter.
	Query string
}

// Normalize applies defaults and bounds to the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// SimilarMessage is one hit from a similarity search.
type SimilarMessage struct {
	MessageID  string
	RoomID     string
	Similarity float64
}

// StoredEmbedding is one embedding row as persisted, used to rebuild the
// in-memory vector index at startup.
type StoredEmbedding struct {
	MessageID string
	RoomID    string
	Vector    []float32
	CreatedAt time.Time
}

// QueueStats is a per-status task count snapshot for operators.
type QueueStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Dead       int `json:"dead"`
}
