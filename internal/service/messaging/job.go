package messaging

import (
	"time"

	"github.com/vovakirdan/tutorlink-realtime/internal/store"
)

// JobTypeSendMessage is the queue job that persists one accepted message.
const JobTypeSendMessage = "sendMessageJob"

// SendMessagePayload is the JSON body of a sendMessageJob.
type SendMessagePayload struct {
	MessageID   string    `json:"messageId"`
	SenderID    string    `json:"senderId"`
	RoomID      string    `json:"roomId"`
	ReceiverID  string    `json:"receiverId,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	Text        string    `json:"text"`
	Attachments []string  `json:"attachments"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DedupKey identifies the logical submission. Redeliveries of the same job,
// and resubmissions carrying the same client ID, map to one stored message.
func (p SendMessagePayload) DedupKey() string {
	ref := p.ClientID
	if ref == "" {
		ref = p.MessageID
	}
	return p.SenderID + "|" + p.RoomID + "|" + ref
}

func (p SendMessagePayload) toStore() *store.Message {
	attachments := p.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return &store.Message{
		ID:          p.MessageID,
		RoomID:      p.RoomID,
		SenderID:    p.SenderID,
		ReceiverID:  p.ReceiverID,
		Text:        p.Text,
		Attachments: attachments,
		CreatedAt:   p.CreatedAt.UTC(),
		DedupKey:    p.DedupKey(),
	}
}

// DeliveryState tells callers how far a message has progressed.
type DeliveryState string

const (
	// DeliveredLive means the message was queued and broadcast; it may not be stored yet.
	DeliveredLive DeliveryState = "delivered_live"
	// DurablyStored means the message is in the durable log.
	DurablyStored DeliveryState = "durably_stored"
)
