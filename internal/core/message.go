package core

import "time"

// Message is a chat message as broadcast to live connections.
// ID is provisional until the persistence worker stores it under the same ID.
type Message struct {
	ID          string
	RoomID      string
	SenderID    string
	ReceiverID  string
	ClientID    string
	Text        string
	Attachments []string
	CreatedAt   time.Time
}

// Ack confirms to the submitting connection that its message was accepted.
type Ack struct {
	MessageID  string
	ClientID   string
	RoomID     string
	CreatedAt  time.Time
	Recipients int
}
