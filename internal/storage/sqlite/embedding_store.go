package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/scrypster/chatsense/internal/storage"
)

// EmbeddingStore implements storage.EmbeddingStore using SQLite.
// Vectors are serialized as little-endian float32 BLOBs.
type EmbeddingStore struct {
	db *sql.DB
}

// NewEmbeddingStore creates a new SQLite embedding store sharing the given
// connection.
func NewEmbeddingStore(db *sql.DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

var _ storage.EmbeddingStore = (*EmbeddingStore)(nil)

// Store persists the vector for a message, replacing any prior one.
func (s *EmbeddingStore) Store(ctx context.Context, messageID, roomID string, vector []float32) error {
	if messageID == "" {
		return fmt.Errorf("%w: message ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if isZeroVector(vector) {
		return fmt.Errorf("%w: zero vector", storage.ErrInvalidInput)
	}

	blob := serializeVector(vector)

	query := `
		INSERT INTO embeddings (message_id, room_id, vector, dimension, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			room_id = excluded.room_id,
			vector = excluded.vector,
			dimension = excluded.dimension,
			created_at = excluded.created_at
	`

	if _, err := s.db.ExecContext(ctx, query, messageID, roomID, blob, len(vector), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// Get retrieves the vector for a message.
func (s *EmbeddingStore) Get(ctx context.Context, messageID string) ([]float32, error) {
	if messageID == "" {
		return nil, fmt.Errorf("%w: message ID is required", storage.ErrInvalidInput)
	}

	var blob []byte
	var dimension int
	err := s.db.QueryRowContext(ctx,
		`SELECT vector, dimension FROM embeddings WHERE message_id = ?`,
		messageID,
	).Scan(&blob, &dimension)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}

	return deserializeVector(blob, dimension)
}

// Delete removes the embedding for a message.
func (s *EmbeddingStore) Delete(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// All streams every stored embedding to fn, used to rebuild the in-memory
// vector index at startup. Iteration stops at the first fn error.
func (s *EmbeddingStore) All(ctx context.Context, fn func(e storage.StoredEmbedding) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, room_id, vector, dimension, created_at FROM embeddings ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e storage.StoredEmbedding
		var blob []byte
		var dimension int
		if err := rows.Scan(&e.MessageID, &e.RoomID, &blob, &dimension, &e.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan embedding: %w", err)
		}
		vec, err := deserializeVector(blob, dimension)
		if err != nil {
			return fmt.Errorf("embedding for %s: %w", e.MessageID, err)
		}
		e.Vector = vec
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SweepOlderThan deletes embeddings created before the cutoff and returns
// the IDs of the removed messages.
func (s *EmbeddingStore) SweepOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM embeddings WHERE created_at < ? RETURNING message_id`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to sweep embeddings: %w", err)
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan swept embedding: %w", err)
		}
		removed = append(removed, id)
	}
	return removed, rows.Err()
}

// isZeroVector reports whether every component is zero. Such vectors have
// no direction and can never match a cosine query, so they are rejected at
// the write boundary.
func isZeroVector(vector []float32) bool {
	for _, v := range vector {
		if v != 0 {
			return false
		}
	}
	return true
}

// serializeVector converts a float32 slice to a little-endian binary BLOB.
func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector converts a little-endian binary BLOB back to a float32
// slice, validating the expected dimension.
func deserializeVector(blob []byte, dimension int) ([]float32, error) {
	if len(blob) != dimension*4 {
		return nil, fmt.Errorf("invalid vector data: expected %d bytes, got %d", dimension*4, len(blob))
	}
	vector := make([]float32, dimension)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector, nil
}
