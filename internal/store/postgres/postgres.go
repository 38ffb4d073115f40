package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/vovakirdan/tutorlink-realtime/internal/store"
)

// Schema creates the tables used by the store. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS room_members (
	room_id   TEXT   NOT NULL,
	user_id   TEXT   NOT NULL,
	joined_at BIGINT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT    COLLATE "C" PRIMARY KEY,
	room_id          TEXT    NOT NULL,
	sender_id        TEXT    NOT NULL,
	receiver_id      TEXT,
	text             TEXT    NOT NULL DEFAULT '',
	attachments      TEXT    NOT NULL DEFAULT '[]',
	attachment_count INTEGER NOT NULL DEFAULT 0,
	created_at       BIGINT  NOT NULL,
	deleted_at       BIGINT,
	dedup_key        TEXT    NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at DESC, id DESC);
`

// Storage implements store.Store on PostgreSQL.
type Storage struct {
	DB *sql.DB
}

// NewStorage opens the database, checks connectivity and applies the schema.
func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{DB: db}, nil
}

// Close closes the pool.
func (s *Storage) Close() error {
	return s.DB.Close()
}

// Ping checks the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *Storage) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT room_id FROM room_members WHERE user_id = $1 ORDER BY joined_at, room_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []string{}
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, roomID)
	}
	return rooms, rows.Err()
}

func (s *Storage) IsRoomMember(ctx context.Context, userID, roomID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_members WHERE user_id = $1 AND room_id = $2)`,
		userID, roomID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return exists, nil
}

func (s *Storage) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, roomID, userID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert room member: %w", err)
	}
	return nil
}

// AppendMessage inserts msg unless its dedup key exists, then returns the stored row.
func (s *Storage) AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	if msg.DedupKey == "" {
		msg.DedupKey = msg.ID
	}
	attachments, err := store.EncodeAttachments(msg.Attachments)
	if err != nil {
		return nil, false, fmt.Errorf("encode attachments: %w", err)
	}

	result, err := s.DB.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, receiver_id, text, attachments, attachment_count, created_at, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		msg.ID, msg.RoomID, msg.SenderID, store.NullableString(msg.ReceiverID), msg.Text,
		attachments, len(msg.Attachments), msg.CreatedAt.UnixNano(), msg.DedupKey)
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	stored, err := store.ScanMessage(s.DB.QueryRowContext(ctx,
		"SELECT "+store.MessageColumns+" FROM messages WHERE dedup_key = $1", msg.DedupKey))
	if err != nil {
		return nil, false, fmt.Errorf("query stored message: %w", err)
	}
	return stored, affected > 0, nil
}

// QueryMessages retrieves non-deleted messages using created_at/id cursor pagination.
func (s *Storage) QueryMessages(ctx context.Context, roomID string, q store.MessageQuery, limit int) ([]*store.Message, error) {
	query, args := store.BuildHistoryQuery(roomID, q, limit, store.DollarPlaceholder)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	messages := []*store.Message{}
	for rows.Next() {
		m, err := store.ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Storage) GetMessage(ctx context.Context, roomID, messageID string) (*store.Message, error) {
	m, err := store.ScanMessage(s.DB.QueryRowContext(ctx,
		"SELECT "+store.MessageColumns+" FROM messages WHERE room_id = $1 AND id = $2", roomID, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

func (s *Storage) SoftDeleteMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	result, err := s.DB.ExecContext(ctx, `
		UPDATE messages SET deleted_at = COALESCE(deleted_at, $1)
		WHERE room_id = $2 AND id = $3`, at.UnixNano(), roomID, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	return nil
}
