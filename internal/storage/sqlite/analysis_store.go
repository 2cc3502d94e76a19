package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// AnalysisStore implements storage.AnalysisStore using SQLite.
type AnalysisStore struct {
	db *sql.DB
}

// NewAnalysisStore creates a new SQLite analysis store sharing the given connection.
func NewAnalysisStore(db *sql.DB) *AnalysisStore {
	return &AnalysisStore{db: db}
}

var _ storage.AnalysisStore = (*AnalysisStore)(nil)

const analysisColumns = `message_id, room_id, sender, content, intent,
	priority_score, urgency_keywords, processed_at`

// UpsertClassification writes the classify-owned fields of an analysis,
// creating the row if absent. Fields owned by other task types are never
// touched, so out-of-order completion cannot clobber them.
func (s *AnalysisStore) UpsertClassification(ctx context.Context, a *types.MessageAnalysis) error {
	if a == nil {
		return storage.ErrInvalidInput
	}
	if a.MessageID == "" {
		return fmt.Errorf("%w: message ID is required", storage.ErrInvalidInput)
	}
	if a.PriorityScore != nil && (*a.PriorityScore < 0.0 || *a.PriorityScore > 10.0) {
		return fmt.Errorf("%w: priority score %.2f outside [0.0, 10.0]",
			storage.ErrInvalidInput, *a.PriorityScore)
	}

	var keywordsJSON []byte
	if len(a.UrgencyKeywords) > 0 {
		var err error
		keywordsJSON, err = json.Marshal(a.UrgencyKeywords)
		if err != nil {
			return fmt.Errorf("failed to marshal urgency keywords: %w", err)
		}
	}

	processed := a.ProcessedAt
	if processed.IsZero() {
		processed = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_analysis (message_id, room_id, sender, content,
			intent, priority_score, urgency_keywords, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			intent = excluded.intent,
			priority_score = excluded.priority_score,
			urgency_keywords = excluded.urgency_keywords,
			processed_at = excluded.processed_at`,
		a.MessageID, a.RoomID, a.Sender, a.Content,
		nullString(a.Intent), nullFloat(a.PriorityScore), keywordsJSON, processed)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis: %w", err)
	}
	return nil
}

// Get retrieves the analysis for a message.
func (s *AnalysisStore) Get(ctx context.Context, messageID string) (*types.MessageAnalysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM message_analysis WHERE message_id = ?`, messageID)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return a, nil
}

// ListByRoom returns analyses for a room within the options' time window,
// ordered by priority_score descending with unscored rows last, FIFO
// within equal scores.
func (s *AnalysisStore) ListByRoom(ctx context.Context, roomID string, opts storage.ListOptions) (*storage.PaginatedResult[types.MessageAnalysis], error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	where := `WHERE room_id = ?`
	args := []any{roomID}
	if !opts.From.IsZero() {
		where += ` AND processed_at >= ?`
		args = append(args, opts.From)
	}
	if !opts.To.IsZero() {
		where += ` AND processed_at < ?`
		args = append(args, opts.To)
	}
	if opts.MinScore > 0 {
		where += ` AND priority_score >= ?`
		args = append(args, opts.MinScore)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_analysis `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count analyses: %w", err)
	}

	query := `SELECT ` + analysisColumns + ` FROM message_analysis ` + where + `
		ORDER BY priority_score IS NULL, priority_score DESC, processed_at ASC
		LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items, err := scanAnalyses(rows)
	if err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.MessageAnalysis]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// ListWindow returns all analyses processed in [from, to).
func (s *AnalysisStore) ListWindow(ctx context.Context, from, to time.Time) ([]types.MessageAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+analysisColumns+` FROM message_analysis
		WHERE processed_at >= ? AND processed_at < ?
		ORDER BY processed_at ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis window: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanAnalyses(rows)
}

// SweepOlderThan deletes analyses processed before the cutoff.
func (s *AnalysisStore) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_analysis WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep analyses: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(affected), nil
}

func scanAnalyses(rows *sql.Rows) ([]types.MessageAnalysis, error) {
	var items []types.MessageAnalysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis row: %w", err)
		}
		items = append(items, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}
	return items, nil
}

func scanAnalysis(row rowScanner) (*types.MessageAnalysis, error) {
	var a types.MessageAnalysis
	var intent sql.NullString
	var score sql.NullFloat64
	var keywordsJSON sql.NullString

	err := row.Scan(
		&a.MessageID,
		&a.RoomID,
		&a.Sender,
		&a.Content,
		&intent,
		&score,
		&keywordsJSON,
		&a.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	if intent.Valid {
		a.Intent = intent.String
	}
	if score.Valid {
		v := score.Float64
		a.PriorityScore = &v
	}
	if keywordsJSON.Valid && keywordsJSON.String != "" {
		if err := json.Unmarshal([]byte(keywordsJSON.String), &a.UrgencyKeywords); err != nil {
			return nil, fmt.Errorf("unmarshal urgency_keywords: %w", err)
		}
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
