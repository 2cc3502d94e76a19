package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/chatsense/internal/storage"
)

// EmbeddingStore implements storage.EmbeddingStore using PostgreSQL.
//
// Vectors are always stored in the binary BYTEA column. When the pgvector
// extension is available they are also written to embedding_vec so cosine
// queries can run natively in the database.
type EmbeddingStore struct {
	db                *sql.DB
	pgvectorAvailable bool
}

// NewEmbeddingStore creates a new PostgreSQL embedding store sharing the
// given connection.
func NewEmbeddingStore(db *sql.DB, pgvectorAvailable bool) *EmbeddingStore {
	return &EmbeddingStore{db: db, pgvectorAvailable: pgvectorAvailable}
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
	now := time.Now().UTC()

	if s.pgvectorAvailable {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO embeddings (message_id, room_id, vector, dimension, embedding_vec, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (message_id) DO UPDATE SET
				room_id = excluded.room_id,
				vector = excluded.vector,
				dimension = excluded.dimension,
				embedding_vec = excluded.embedding_vec,
				created_at = excluded.created_at`,
			messageID, roomID, blob, len(vector), pgvector.NewVector(vector), now)
		if err == nil {
			return nil
		}
		log.Printf("postgres: failed to store embedding_vec (falling back to BYTEA only): %v", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (message_id, room_id, vector, dimension, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO UPDATE SET
			room_id = excluded.room_id,
			vector = excluded.vector,
			dimension = excluded.dimension,
			created_at = excluded.created_at`,
		messageID, roomID, blob, len(vector), now)
	if err != nil {
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
		`SELECT vector, dimension FROM embeddings WHERE message_id = $1`,
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

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE message_id = $1`, messageID)
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

// All streams every stored embedding to fn.
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
		`DELETE FROM embeddings WHERE created_at < $1 RETURNING message_id`, cutoff.UTC())
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

// SearchSimilar returns up to limit messages nearest to the query vector by
// cosine distance, using the native pgvector index. Callers should fall back
// to the in-memory index when this returns an error.
func (s *EmbeddingStore) SearchSimilar(ctx context.Context, query []float32, limit int) ([]storage.SimilarMessage, error) {
	if !s.pgvectorAvailable {
		return nil, fmt.Errorf("pgvector extension not available")
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: query vector cannot be empty", storage.ErrInvalidInput)
	}
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, room_id, 1 - (embedding_vec <=> $1::vector) AS similarity
		FROM embeddings
		WHERE embedding_vec IS NOT NULL
		ORDER BY embedding_vec <=> $1::vector
		LIMIT $2`,
		pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}
	defer rows.Close()

	var results []storage.SimilarMessage
	for rows.Next() {
		var m storage.SimilarMessage
		if err := rows.Scan(&m.MessageID, &m.RoomID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan similarity row: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
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

func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

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
