package core

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventConnected greets a freshly registered connection with its rooms.
	EventConnected EventKind = iota
	// EventNewMessage delivers a chat message to room subscribers.
	EventNewMessage
	// EventMessageAccepted acknowledges a submission to its sender connection.
	EventMessageAccepted
	// EventRoomJoined confirms a room subscription.
	EventRoomJoined
	// EventRoomLeft confirms a room unsubscription.
	EventRoomLeft
	// EventNotification carries a typed Notification.
	EventNotification
	// EventError notifies clients about a domain error.
	EventError
)

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind         EventKind
	Room         string
	User         string
	Rooms        []string // EventConnected
	Message      *Message
	Ack          *Ack
	Notification Notification
	Error        *CoreError
}
