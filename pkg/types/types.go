// Package types defines the core domain types shared across the ChatSense
// message-enrichment pipeline: tasks, message analyses, knowledge entries,
// and aggregate reports.
package types

import "time"

// TaskType identifies the kind of enrichment work a task represents.
type TaskType string

const (
	// TaskClassify runs intent classification and priority scoring.
	TaskClassify TaskType = "classify"

	// TaskEmbed generates and stores a semantic embedding.
	TaskEmbed TaskType = "embed"

	// TaskSummarizeBatch generates an aggregate report for a date window.
	TaskSummarizeBatch TaskType = "summarize_batch"

	// TaskExtractQA extracts question/answer candidates from a room window.
	TaskExtractQA TaskType = "extract_qa"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskClassify, TaskEmbed, TaskSummarizeBatch, TaskExtractQA:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
//
// Transitions: pending → in_progress → {completed | failed}. Failed tasks
// return to pending with a backoff delay until the retry bound is reached,
// after which they become dead and are never retried automatically.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusDead       TaskStatus = "dead"
)

// Terminal reports whether the status ends the task's lifecycle.
// Only non-terminal tasks participate in the per-(message, type)
// uniqueness guarantee.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// DefaultTaskPriority is the scheduling hint assigned when the caller
// does not specify one. Higher values are claimed first.
const DefaultTaskPriority = 5

// Task is one unit of enrichment work for one message and one task type.
type Task struct {
	ID         string     `json:"id"`
	MessageID  string     `json:"message_id"`
	RoomID     string     `json:"room_id"`
	Type       TaskType   `json:"task_type"`
	Priority   int        `json:"priority"`
	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`

	// ClaimedBy identifies the worker currently holding the task.
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// AvailableAt delays re-delivery of a failed task (exponential backoff).
	AvailableAt time.Time  `json:"available_at"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Message is a raw inbound chat message as delivered by the bridge.
type Message struct {
	ID         string    `json:"message_id"`
	RoomID     string    `json:"room_id"`
	Sender     string    `json:"sender"`
	Content    string    `json:"content"`
	ObservedAt time.Time `json:"observed_at"`
}

// MessageAnalysis is the durable enrichment result for one message.
// Fields owned by different task types are nullable until the owning
// task completes; consumers must treat them as eventually consistent.
type MessageAnalysis struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`

	// Intent and PriorityScore are written by the classify task.
	// PriorityScore, when present, lies in [0.0, 10.0].
	Intent          string   `json:"intent,omitempty"`
	PriorityScore   *float64 `json:"priority_score,omitempty"`
	UrgencyKeywords []string `json:"urgency_keywords,omitempty"`

	ProcessedAt time.Time `json:"processed_at"`
}

// KnowledgeEntry is a curated, voteable question/answer pair derived
// from conversation content.
type KnowledgeEntry struct {
	ID              string    `json:"id"`
	Question        string    `json:"question"`
	Answer          string    `json:"answer"`
	SourceRoom      string    `json:"source_room"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	Confidence      float64   `json:"confidence"`
	Upvotes         int       `json:"upvotes"`
	Downvotes       int       `json:"downvotes"`
	IsVerified      bool      `json:"is_verified"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// curatedVoteMargin is the net-vote threshold for FAQ promotion.
const curatedVoteMargin = 5

// Curated reports whether the entry qualifies for curated/FAQ views.
// This is a read-time filter, not a stored state.
func (e *KnowledgeEntry) Curated() bool {
	return e.IsVerified || e.Upvotes-e.Downvotes >= curatedVoteMargin
}

// QACandidate is a question/answer pair proposed by the extraction
// adapter, before dedup/merge against the knowledge store.
type QACandidate struct {
	Question        string  `json:"question"`
	Answer          string  `json:"answer"`
	Confidence      float64 `json:"confidence"`
	SourceMessageID string  `json:"source_message_id,omitempty"`
}

// ReportType distinguishes daily from weekly rollups.
type ReportType string

const (
	ReportDaily  ReportType = "daily"
	ReportWeekly ReportType = "weekly"
)

// Valid reports whether t is a known report type.
func (t ReportType) Valid() bool {
	return t == ReportDaily || t == ReportWeekly
}

// RoomSummary is the per-room section of a report.
type RoomSummary struct {
	RoomID            string `json:"room_id"`
	MessageCount      int    `json:"message_count"`
	ParticipantCount  int    `json:"participant_count"`
	HighPriorityCount int    `json:"high_priority_count"`

	// Summary is empty and SummaryFailed true when the summarization
	// adapter failed for this room; counts above are still populated.
	Summary       string `json:"summary,omitempty"`
	SummaryFailed bool   `json:"summary_failed,omitempty"`
}

// DailyReport is an immutable aggregate snapshot for one report window.
// At most one report exists per (ReportDate, ReportType); regeneration
// replaces the prior report atomically.
type DailyReport struct {
	// ReportDate is the window anchor in YYYY-MM-DD form.
	ReportDate string     `json:"report_date"`
	ReportType ReportType `json:"report_type"`

	TotalMessages     int                    `json:"total_messages"`
	HighPriorityCount int                    `json:"high_priority_count"`
	RoomSummaries     map[string]RoomSummary `json:"room_summaries"`
	TopIntents        map[string]int         `json:"top_intents"`
	GeneratedAt       time.Time              `json:"generated_at"`
}
