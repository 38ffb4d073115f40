package core

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandSendMessage submits a chat message to a room.
	CommandSendMessage CommandKind = iota
	// CommandJoinRoom subscribes the connection to a room.
	CommandJoinRoom
	// CommandLeaveRoom unsubscribes the connection from a room.
	CommandLeaveRoom
)

// Command represents an action requested by a connection.
type Command struct {
	Kind        CommandKind
	Room        string
	Text        string
	Attachments []string
	ReceiverID  string
	ClientID    string
}
