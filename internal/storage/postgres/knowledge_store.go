package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// KnowledgeStore implements storage.KnowledgeStore using PostgreSQL.
type KnowledgeStore struct {
	db *sql.DB
}

// NewKnowledgeStore creates a new PostgreSQL knowledge store sharing the
// given connection.
func NewKnowledgeStore(db *sql.DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

var _ storage.KnowledgeStore = (*KnowledgeStore)(nil)

const knowledgeColumns = `id, question, answer, source_room, source_message_id,
	confidence, upvotes, downvotes, is_verified, created_at, updated_at`

// Insert stores a new entry together with its question embedding.
func (s *KnowledgeStore) Insert(ctx context.Context, e *types.KnowledgeEntry, questionVec []float32) error {
	if e == nil {
		return storage.ErrInvalidInput
	}
	if e.ID == "" {
		return fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}
	if e.Question == "" || e.Answer == "" {
		return fmt.Errorf("%w: question and answer are required", storage.ErrInvalidInput)
	}
	if len(questionVec) == 0 {
		return fmt.Errorf("%w: question embedding cannot be empty", storage.ErrInvalidInput)
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_entries (id, question, answer, source_room, source_message_id,
			confidence, upvotes, downvotes, is_verified, question_vector, question_dimension,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.Question, e.Answer, e.SourceRoom, nullString(e.SourceMessageID),
		e.Confidence, e.Upvotes, e.Downvotes, e.IsVerified,
		serializeVector(questionVec), len(questionVec),
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge entry: %w", err)
	}
	return nil
}

// Get retrieves an entry by ID.
func (s *KnowledgeStore) Get(ctx context.Context, id string) (*types.KnowledgeEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge_entries WHERE id = $1`, id)
	return scanKnowledgeEntry(row)
}

// ListByRoom returns entries for a room ordered by confidence descending.
func (s *KnowledgeStore) ListByRoom(ctx context.Context, roomID string, opts storage.ListOptions) (*storage.PaginatedResult[types.KnowledgeEntry], error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	where := `source_room = $1`
	args := []interface{}{roomID}
	if opts.Query != "" {
		where += ` AND (question ILIKE $2 OR answer ILIKE $2)`
		args = append(args, "%"+opts.Query+"%")
	}
	limitArgs := fmt.Sprintf(`LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_entries WHERE `+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count knowledge entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge_entries
		 WHERE `+where+`
		 ORDER BY confidence DESC, created_at DESC
		 `+limitArgs,
		append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]types.KnowledgeEntry, 0, opts.Limit)
	for rows.Next() {
		e, err := scanKnowledgeEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge entries: %w", err)
	}

	return &storage.PaginatedResult[types.KnowledgeEntry]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// QuestionEmbeddings returns the stored question vector of every entry in a
// room.
func (s *KnowledgeStore) QuestionEmbeddings(ctx context.Context, roomID string) ([]storage.StoredEmbedding, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room ID is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_room, question_vector, question_dimension, created_at
		 FROM knowledge_entries WHERE source_room = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list question embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.StoredEmbedding
	for rows.Next() {
		var e storage.StoredEmbedding
		var blob []byte
		var dimension int
		if err := rows.Scan(&e.MessageID, &e.RoomID, &blob, &dimension, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan question embedding: %w", err)
		}
		vec, err := deserializeVector(blob, dimension)
		if err != nil {
			return nil, fmt.Errorf("question embedding for %s: %w", e.MessageID, err)
		}
		e.Vector = vec
		out = append(out, e)
	}
	return out, rows.Err()
}

// Merge applies the deterministic merge of a candidate into an existing
// entry in a single UPDATE.
func (s *KnowledgeStore) Merge(ctx context.Context, id string, candConfidence float64, candAnswer string) (*types.KnowledgeEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE knowledge_entries SET
			answer = CASE WHEN $1 > confidence AND NOT is_verified THEN $2 ELSE answer END,
			confidence = GREATEST(confidence, $1),
			updated_at = $3
		WHERE id = $4
		RETURNING `+knowledgeColumns,
		candConfidence, candAnswer, time.Now().UTC(), id)
	return scanKnowledgeEntry(row)
}

// Vote atomically records an up or down vote and refreshes updated_at.
func (s *KnowledgeStore) Vote(ctx context.Context, id string, up bool) (*types.KnowledgeEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	column := "downvotes"
	if up {
		column = "upvotes"
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE knowledge_entries SET `+column+` = `+column+` + 1, updated_at = $1
		 WHERE id = $2
		 RETURNING `+knowledgeColumns,
		time.Now().UTC(), id)
	return scanKnowledgeEntry(row)
}

// SetVerified marks an entry verified.
func (s *KnowledgeStore) SetVerified(ctx context.Context, id string, verified bool) error {
	if id == "" {
		return fmt.Errorf("%w: entry ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_entries SET is_verified = $1, updated_at = $2 WHERE id = $3`,
		verified, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set verified: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check verify result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanKnowledgeEntry(row rowScanner) (*types.KnowledgeEntry, error) {
	var e types.KnowledgeEntry
	var sourceMessageID sql.NullString

	err := row.Scan(&e.ID, &e.Question, &e.Answer, &e.SourceRoom, &sourceMessageID,
		&e.Confidence, &e.Upvotes, &e.Downvotes, &e.IsVerified, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
	}

	e.SourceMessageID = sourceMessageID.String
	return &e, nil
}
