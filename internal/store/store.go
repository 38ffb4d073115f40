package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// Message represents a persisted chat message.
type Message struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"room_id"`
	SenderID    string     `json:"sender_id"`
	ReceiverID  string     `json:"receiver_id,omitempty"`
	Text        string     `json:"text"`
	Attachments []string   `json:"attachments"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	// DedupKey identifies one logical submission across queue redeliveries.
	DedupKey string `json:"-"`
}

// HasAttachments reports whether the message carries at least one attachment.
func (m *Message) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// Cursor points at a message position in createdAt/id descending order.
type Cursor struct {
	CreatedAt time.Time
	// ID breaks ties between messages sharing CreatedAt. Empty means "all of CreatedAt is excluded".
	ID string
}

// MessageQuery narrows a room history query.
type MessageQuery struct {
	SenderID      string
	HasAttachment *bool
	Before        *Cursor
}

// RoomStore resolves room membership.
type RoomStore interface {
	// RoomsForUser lists the IDs of rooms the user belongs to.
	RoomsForUser(ctx context.Context, userID string) ([]string, error)

	// IsRoomMember checks if user is a member of the room.
	IsRoomMember(ctx context.Context, userID, roomID string) (bool, error)

	// AddMember records membership. Adding an existing member is a no-op.
	AddMember(ctx context.Context, roomID, userID string) error
}

// MessageLog is the durable, append-only message collection.
type MessageLog interface {
	// AppendMessage persists msg. If a message with the same DedupKey exists,
	// the stored record is returned with created=false and nothing is written.
	AppendMessage(ctx context.Context, msg *Message) (stored *Message, created bool, err error)

	// QueryMessages returns non-deleted messages of a room matching q,
	// ordered by CreatedAt then ID, both descending, capped at limit.
	QueryMessages(ctx context.Context, roomID string, q MessageQuery, limit int) ([]*Message, error)

	// GetMessage retrieves a message by room and ID, including soft-deleted ones.
	GetMessage(ctx context.Context, roomID, messageID string) (*Message, error)

	// SoftDeleteMessage sets DeletedAt on a message. Deleting twice keeps the first timestamp.
	SoftDeleteMessage(ctx context.Context, roomID, messageID string, at time.Time) error
}

// Store aggregates all storage interfaces.
type Store interface {
	RoomStore
	MessageLog

	// Close closes the underlying database connection.
	Close() error
}
