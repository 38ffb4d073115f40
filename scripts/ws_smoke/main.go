package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/vovakirdan/tutorlink-realtime/internal/proto"
)

type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

// run posts one message and waits until it comes back as newMessage.
func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", os.Getenv("TUTORLINK_TOKEN"), "access token")
	room := flag.String("room", "", "room the token's user belongs to")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	if *token == "" || *room == "" {
		return errors.New("-token and -room are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr+"?token="+url.QueryEscape(*token), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	clientID := uuid.NewString()
	payload, err := json.Marshal(proto.SendMessageData{RoomID: *room, Text: *text, ClientID: clientID})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeSendMessage, Data: payload}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var accepted, delivered bool
	for !accepted || !delivered {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if f.Type == proto.OutboundTypeError && f.Error != nil {
			return fmt.Errorf("server error %s: %s", f.Error.Code, f.Error.Msg)
		}

		fmt.Printf("Received outbound: type=%s event=%s\n", f.Type, f.Event)
		switch f.Event {
		case proto.EventMessageAccepted:
			var evt proto.EventMessageAcceptedData
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				return fmt.Errorf("unmarshal messageAccepted: %w", err)
			}
			if evt.ClientID == clientID {
				fmt.Printf("Accepted: id=%s recipients=%d state=%s\n", evt.ID, evt.Recipients, evt.State)
				accepted = true
			}
		case proto.EventNewMessage:
			var evt proto.EventNewMessageData
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				return fmt.Errorf("unmarshal newMessage: %w", err)
			}
			if evt.Text == *text {
				fmt.Printf("Message: room=%s sender=%s text=%q at=%s\n", evt.RoomID, evt.SenderID, evt.Text, evt.CreatedAt)
				delivered = true
			}
		}
	}
	return nil
}
