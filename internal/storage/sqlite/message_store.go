package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// MessageStore implements storage.MessageStore using SQLite.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a new SQLite message store sharing the given connection.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

var _ storage.MessageStore = (*MessageStore)(nil)

// Insert stores a raw inbound message. Re-delivery of the same message_id
// is a no-op so the bridge may safely retry.
func (s *MessageStore) Insert(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return storage.ErrInvalidInput
	}
	if msg.ID == "" {
		return fmt.Errorf("%w: message ID is required", storage.ErrInvalidInput)
	}
	if msg.RoomID == "" {
		return fmt.Errorf("%w: room ID is required", storage.ErrInvalidInput)
	}

	observed := msg.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, room_id, sender, content, observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		msg.ID, msg.RoomID, msg.Sender, msg.Content, observed)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Get retrieves a message by ID.
func (s *MessageStore) Get(ctx context.Context, messageID string) (*types.Message, error) {
	var m types.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, room_id, sender, content, observed_at
		FROM messages WHERE message_id = ?`, messageID).
		Scan(&m.ID, &m.RoomID, &m.Sender, &m.Content, &m.ObservedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

// Window returns messages for a room observed in [from, to), oldest first,
// truncated to limit.
func (s *MessageStore) Window(ctx context.Context, roomID string, from, to time.Time, limit int) ([]types.Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room ID is required", storage.ErrInvalidInput)
	}
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, room_id, sender, content, observed_at
		FROM messages
		WHERE room_id = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC
		LIMIT ?`,
		roomID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query message window: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.Content, &m.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// Count returns the number of messages for a room in [from, to).
func (s *MessageStore) Count(ctx context.Context, roomID string, from, to time.Time) (int, error) {
	if roomID == "" {
		return 0, fmt.Errorf("%w: room ID is required", storage.ErrInvalidInput)
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE room_id = ? AND observed_at >= ? AND observed_at < ?`,
		roomID, from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// ActiveRooms returns the distinct rooms with messages observed since the
// given time.
func (s *MessageStore) ActiveRooms(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT room_id FROM messages
		WHERE observed_at >= ?
		ORDER BY room_id`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query active rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rooms: %w", err)
	}
	return rooms, nil
}
