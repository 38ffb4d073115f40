package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

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
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", os.Getenv("TUTORLINK_TOKEN"), "access token (see `tutorlink-realtime token`)")
	room := flag.String("room", "", "room to post into")
	flag.Parse()

	if *token == "" || *room == "" {
		return errors.New("-token and -room are required")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr+"?token="+url.QueryEscape(*token), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	joinPayload, err := json.Marshal(proto.RoomData{RoomID: *room})
	if err != nil {
		return fmt.Errorf("marshal join: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeJoinRoom, Data: joinPayload}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	fmt.Printf("Connected to %s, posting to room %s\n", *addr, *room)
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn, *room)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		if f.Type == proto.OutboundTypeError && f.Error != nil {
			fmt.Printf("! %s: %s\n", f.Error.Code, f.Error.Msg)
			continue
		}

		switch f.Event {
		case proto.EventConnected:
			var evt proto.EventConnectedData
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				log.Printf("unmarshal connected: %v", err)
				continue
			}
			fmt.Printf("signed in as %s, rooms %v\n", evt.UserID, evt.Rooms)
		case proto.EventNewMessage:
			var evt proto.EventNewMessageData
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				log.Printf("unmarshal newMessage: %v", err)
				continue
			}
			fmt.Printf("[%s] %s: %s\n", evt.RoomID, evt.SenderID, evt.Text)
		case proto.EventMessageAccepted:
			var evt proto.EventMessageAcceptedData
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				log.Printf("unmarshal messageAccepted: %v", err)
				continue
			}
			fmt.Printf("  accepted %s (%d recipients)\n", evt.ID, evt.Recipients)
		case proto.EventRoomJoined, proto.EventRoomLeft:
			var evt proto.EventRoomData
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				log.Printf("unmarshal %s: %v", f.Event, err)
				continue
			}
			fmt.Printf("[room %s] %s\n", evt.RoomID, f.Event)
		default:
			fmt.Printf("event=%s data=%s\n", f.Event, string(f.Data))
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, room string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			payload, err := json.Marshal(proto.SendMessageData{RoomID: room, Text: text, ClientID: uuid.NewString()})
			if err != nil {
				log.Printf("marshal message: %v", err)
				return
			}
			if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeSendMessage, Data: payload}); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}
