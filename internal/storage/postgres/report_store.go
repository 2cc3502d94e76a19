package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// ReportStore implements storage.ReportStore using PostgreSQL.
type ReportStore struct {
	db *sql.DB
}

// NewReportStore creates a new PostgreSQL report store sharing the given
// connection.
func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

var _ storage.ReportStore = (*ReportStore)(nil)

// Save stores a report, atomically replacing any prior report for the same
// (report_date, report_type).
func (s *ReportStore) Save(ctx context.Context, r *types.DailyReport) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	if r.ReportDate == "" {
		return fmt.Errorf("%w: report date is required", storage.ErrInvalidInput)
	}
	if !r.ReportType.Valid() {
		return fmt.Errorf("%w: unknown report type %q", storage.ErrInvalidInput, r.ReportType)
	}

	summariesJSON, err := json.Marshal(r.RoomSummaries)
	if err != nil {
		return fmt.Errorf("failed to marshal room summaries: %w", err)
	}
	intentsJSON, err := json.Marshal(r.TopIntents)
	if err != nil {
		return fmt.Errorf("failed to marshal top intents: %w", err)
	}

	generatedAt := r.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_reports (report_date, report_type, total_messages,
			high_priority_count, room_summaries, top_intents, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (report_date, report_type) DO UPDATE SET
			total_messages = excluded.total_messages,
			high_priority_count = excluded.high_priority_count,
			room_summaries = excluded.room_summaries,
			top_intents = excluded.top_intents,
			generated_at = excluded.generated_at`,
		r.ReportDate, string(r.ReportType), r.TotalMessages, r.HighPriorityCount,
		summariesJSON, intentsJSON, generatedAt)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// Get retrieves the report for a date and type.
func (s *ReportStore) Get(ctx context.Context, date string, typ types.ReportType) (*types.DailyReport, error) {
	if date == "" {
		return nil, fmt.Errorf("%w: report date is required", storage.ErrInvalidInput)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown report type %q", storage.ErrInvalidInput, typ)
	}

	var r types.DailyReport
	var summariesJSON, intentsJSON []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT report_date, report_type, total_messages, high_priority_count,
			room_summaries, top_intents, generated_at
		 FROM daily_reports WHERE report_date = $1 AND report_type = $2`,
		date, string(typ),
	).Scan(&r.ReportDate, &r.ReportType, &r.TotalMessages, &r.HighPriorityCount,
		&summariesJSON, &intentsJSON, &r.GeneratedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	if err := json.Unmarshal(summariesJSON, &r.RoomSummaries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room summaries: %w", err)
	}
	if err := json.Unmarshal(intentsJSON, &r.TopIntents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal top intents: %w", err)
	}
	return &r, nil
}
