package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	InboundTypeSendMessage = "sendMessage"
	InboundTypeJoinRoom    = "joinRoom"
	InboundTypeLeaveRoom   = "leaveRoom"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventConnected       = "connected"
	EventNewMessage      = "newMessage"
	EventMessageAccepted = "messageAccepted"
	EventRoomJoined      = "roomJoined"
	EventRoomLeft        = "roomLeft"
)

// RoomData names the room for joinRoom and leaveRoom.
type RoomData struct {
	RoomID string `json:"roomId"`
}

// SendMessageData is a chat message from the client.
type SendMessageData struct {
	RoomID      string   `json:"roomId"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
	ReceiverID  string   `json:"receiverId,omitempty"`
	// ClientID is an optional client-chosen key echoed in messageAccepted
	// and used to collapse resubmissions into one stored message.
	ClientID string `json:"clientId,omitempty"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// EventConnectedData greets a new connection.
type EventConnectedData struct {
	UserID string   `json:"userId"`
	Rooms  []string `json:"rooms"`
}

// EventNewMessageData is a chat message delivered live.
type EventNewMessageData struct {
	ID          string   `json:"id"`
	RoomID      string   `json:"roomId"`
	SenderID    string   `json:"senderId"`
	ReceiverID  string   `json:"receiverId,omitempty"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	CreatedAt   string   `json:"createdAt"`
}

// EventMessageAcceptedData acknowledges a sendMessage to its sender.
type EventMessageAcceptedData struct {
	ID         string `json:"id"`
	ClientID   string `json:"clientId,omitempty"`
	RoomID     string `json:"roomId"`
	CreatedAt  string `json:"createdAt"`
	Recipients int    `json:"recipients"`
	State      string `json:"state"`
}

// EventRoomData confirms a room subscription change.
type EventRoomData struct {
	RoomID string `json:"roomId"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
