package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/tutorlink-realtime/internal/store"
)

// Schema creates the tables used by the store. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS room_members (
	room_id   TEXT    NOT NULL,
	user_id   TEXT    NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT    PRIMARY KEY,
	room_id          TEXT    NOT NULL,
	sender_id        TEXT    NOT NULL,
	receiver_id      TEXT,
	text             TEXT    NOT NULL DEFAULT '',
	attachments      TEXT    NOT NULL DEFAULT '[]',
	attachment_count INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	deleted_at       INTEGER,
	dedup_key        TEXT    NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at DESC, id DESC);
`

// ApplySchema is a NewWithSetup hook that creates the schema.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, ApplySchema)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema or seed rows.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ==== RoomStore implementation ====

// RoomsForUser lists the IDs of rooms the user belongs to.
func (s *SQLiteStore) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT room_id FROM room_members
		WHERE user_id = ?
		ORDER BY joined_at ASC, room_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
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

// IsRoomMember checks if user is a member of the room.
func (s *SQLiteStore) IsRoomMember(ctx context.Context, userID, roomID string) (bool, error) {
	query := `
		SELECT 1 FROM room_members
		WHERE user_id = ? AND room_id = ?
	`
	var exists int
	err := s.db.QueryRowContext(ctx, query, userID, roomID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query membership: %w", err)
	}

	return true, nil
}

// AddMember records membership.
func (s *SQLiteStore) AddMember(ctx context.Context, roomID, userID string) error {
	query := `
		INSERT OR IGNORE INTO room_members (room_id, user_id, joined_at)
		VALUES (?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, roomID, userID, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("insert room member: %w", err)
	}

	return nil
}

// ==== MessageLog implementation ====

// AppendMessage persists a message unless its dedup key was already stored.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	if msg.DedupKey == "" {
		msg.DedupKey = msg.ID
	}
	attachments, err := store.EncodeAttachments(msg.Attachments)
	if err != nil {
		return nil, false, fmt.Errorf("encode attachments: %w", err)
	}

	query := `
		INSERT INTO messages (id, room_id, sender_id, receiver_id, text, attachments, attachment_count, created_at, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.SenderID, store.NullableString(msg.ReceiverID), msg.Text,
		attachments, len(msg.Attachments), msg.CreatedAt.UnixNano(), msg.DedupKey)
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("get rows affected: %w", err)
	}

	stored, err := s.getByDedupKey(ctx, msg.DedupKey)
	if err != nil {
		return nil, false, err
	}
	return stored, affected > 0, nil
}

func (s *SQLiteStore) getByDedupKey(ctx context.Context, key string) (*store.Message, error) {
	query := "SELECT " + store.MessageColumns + " FROM messages WHERE dedup_key = ?"
	msg, err := store.ScanMessage(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message with dedup key %s: %w", key, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// QueryMessages retrieves non-deleted messages from a room, newest first.
func (s *SQLiteStore) QueryMessages(ctx context.Context, roomID string, q store.MessageQuery, limit int) ([]*store.Message, error) {
	query, args := store.BuildHistoryQuery(roomID, q, limit, store.QuestionPlaceholder)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []*store.Message{}
	for rows.Next() {
		msg, err := store.ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// GetMessage retrieves a message by room and ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, roomID, messageID string) (*store.Message, error) {
	query := "SELECT " + store.MessageColumns + " FROM messages WHERE room_id = ? AND id = ?"
	msg, err := store.ScanMessage(s.db.QueryRowContext(ctx, query, roomID, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// SoftDeleteMessage marks a message deleted.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	query := `
		UPDATE messages SET deleted_at = COALESCE(deleted_at, ?)
		WHERE room_id = ? AND id = ?
	`
	result, err := s.db.ExecContext(ctx, query, at.UnixNano(), roomID, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	return nil
}
