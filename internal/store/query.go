package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Placeholder renders the n-th (1-based) bind parameter for a SQL dialect.
type Placeholder func(n int) string

// QuestionPlaceholder renders "?" parameters (SQLite).
func QuestionPlaceholder(int) string { return "?" }

// DollarPlaceholder renders "$n" parameters (PostgreSQL).
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// MessageColumns is the column list scanned by ScanMessage.
const MessageColumns = "id, room_id, sender_id, receiver_id, text, attachments, created_at, deleted_at, dedup_key"

// BuildHistoryQuery renders the SELECT used by QueryMessages for both SQL backends.
func BuildHistoryQuery(roomID string, q MessageQuery, limit int, ph Placeholder) (string, []any) {
	var (
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	where = append(where, "room_id = "+bind(roomID), "deleted_at IS NULL")

	if q.SenderID != "" {
		where = append(where, "sender_id = "+bind(q.SenderID))
	}
	if q.HasAttachment != nil {
		if *q.HasAttachment {
			where = append(where, "attachment_count > 0")
		} else {
			where = append(where, "attachment_count = 0")
		}
	}
	if q.Before != nil {
		ts := q.Before.CreatedAt.UnixNano()
		if q.Before.ID == "" {
			where = append(where, "created_at < "+bind(ts))
		} else {
			where = append(where, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id < %s))",
				bind(ts), bind(ts), bind(q.Before.ID)))
		}
	}

	query := "SELECT " + MessageColumns + " FROM messages WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at DESC, id DESC LIMIT " + bind(limit)
	return query, args
}

// RowScanner is implemented by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanMessage reads one row laid out as MessageColumns.
func ScanMessage(row RowScanner) (*Message, error) {
	var (
		msg         Message
		receiverID  *string
		attachments string
		createdAt   int64
		deletedAt   *int64
	)
	if err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &receiverID, &msg.Text,
		&attachments, &createdAt, &deletedAt, &msg.DedupKey); err != nil {
		return nil, err
	}
	if receiverID != nil {
		msg.ReceiverID = *receiverID
	}
	if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of %s: %w", msg.ID, err)
	}
	if msg.Attachments == nil {
		msg.Attachments = []string{}
	}
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	if deletedAt != nil {
		t := time.Unix(0, *deletedAt).UTC()
		msg.DeletedAt = &t
	}
	return &msg, nil
}

// EncodeAttachments serialises attachment paths for the attachments column.
func EncodeAttachments(paths []string) (string, error) {
	if paths == nil {
		paths = []string{}
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// NullableString maps "" to SQL NULL.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
