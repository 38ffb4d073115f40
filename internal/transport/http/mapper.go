package http

import (
	"encoding/json"
	"time"

	"github.com/vovakirdan/tutorlink-realtime/internal/core"
	"github.com/vovakirdan/tutorlink-realtime/internal/proto"
	"github.com/vovakirdan/tutorlink-realtime/internal/service/messaging"
	"github.com/vovakirdan/tutorlink-realtime/internal/store"
)

func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeJoinRoom, proto.InboundTypeLeaveRoom:
		var room proto.RoomData
		if err := json.Unmarshal(inbound.Data, &room); err != nil {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "invalid data: " + err.Error()}
		}
		if room.RoomID == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "roomId is required"}
		}
		kind := core.CommandJoinRoom
		if inbound.Type == proto.InboundTypeLeaveRoom {
			kind = core.CommandLeaveRoom
		}
		return &core.Command{Kind: kind, Room: room.RoomID}, nil
	case proto.InboundTypeSendMessage:
		var msg proto.SendMessageData
		if err := json.Unmarshal(inbound.Data, &msg); err != nil {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "invalid data: " + err.Error()}
		}
		if msg.RoomID == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "roomId is required"}
		}
		return &core.Command{
			Kind:        core.CommandSendMessage,
			Room:        msg.RoomID,
			Text:        msg.Text,
			Attachments: msg.Attachments,
			ReceiverID:  msg.ReceiverID,
			ClientID:    msg.ClientID,
		}, nil
	default:
		return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "unknown message type"}
	}
}

func submissionFromCommand(cmd *core.Command) messaging.Submission {
	return messaging.Submission{
		RoomID:      cmd.Room,
		Text:        cmd.Text,
		Attachments: cmd.Attachments,
		ReceiverID:  cmd.ReceiverID,
		ClientID:    cmd.ClientID,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func errorOutbound(ce *core.CoreError) proto.Outbound {
	if ce == nil {
		return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}
	}
	return proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: ce.Code, Msg: ce.Message},
	}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventConnected:
		rooms := event.Rooms
		if rooms == nil {
			rooms = []string{}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventConnected,
			Data:  proto.EventConnectedData{UserID: event.User, Rooms: rooms},
		}
	case core.EventNewMessage:
		m := event.Message
		attachments := m.Attachments
		if attachments == nil {
			attachments = []string{}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventNewMessage,
			Data: proto.EventNewMessageData{
				ID:          m.ID,
				RoomID:      m.RoomID,
				SenderID:    m.SenderID,
				ReceiverID:  m.ReceiverID,
				Text:        m.Text,
				Attachments: attachments,
				CreatedAt:   formatTime(m.CreatedAt),
			},
		}
	case core.EventMessageAccepted:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventMessageAccepted,
			Data: proto.EventMessageAcceptedData{
				ID:         event.Ack.MessageID,
				ClientID:   event.Ack.ClientID,
				RoomID:     event.Ack.RoomID,
				CreatedAt:  formatTime(event.Ack.CreatedAt),
				Recipients: event.Ack.Recipients,
				State:      string(messaging.DeliveredLive),
			},
		}
	case core.EventRoomJoined:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventRoomJoined,
			Data:  proto.EventRoomData{RoomID: event.Room},
		}
	case core.EventRoomLeft:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventRoomLeft,
			Data:  proto.EventRoomData{RoomID: event.Room},
		}
	case core.EventNotification:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: event.Notification.EventName(),
			Data:  event.Notification,
		}
	case core.EventError:
		return errorOutbound(event.Error)
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent}
	}
}

// MessageResponse represents a stored message in API responses.
type MessageResponse struct {
	ID          string   `json:"id"`
	RoomID      string   `json:"roomId"`
	SenderID    string   `json:"senderId"`
	ReceiverID  string   `json:"receiverId,omitempty"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	CreatedAt   string   `json:"createdAt"`
}

func messageResponse(m store.Message) MessageResponse {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return MessageResponse{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Text:        m.Text,
		Attachments: attachments,
		CreatedAt:   formatTime(m.CreatedAt),
	}
}
