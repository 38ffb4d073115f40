package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/config"
	"github.com/vovakirdan/tutorlink-realtime/internal/core"
	"github.com/vovakirdan/tutorlink-realtime/internal/metrics"
	"github.com/vovakirdan/tutorlink-realtime/internal/proto"
	"github.com/vovakirdan/tutorlink-realtime/internal/service/messaging"
)

var errServerClosed = errors.New("connection closed by server")

// Submitter accepts chat messages from live connections.
type Submitter interface {
	Submit(ctx context.Context, senderID string, sub messaging.Submission) (*messaging.Receipt, error)
}

// WSHandler authenticates, upgrades and bridges connections to core.Client.
type WSHandler struct {
	gateway   *core.Gateway
	submitter Submitter
	cfg       config.GatewayConfig
	log       *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(gateway *core.Gateway, submitter Submitter, cfg config.GatewayConfig, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{gateway: gateway, submitter: submitter, cfg: cfg, log: logger}
}

func tokenFromRequest(r *stdhttp.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, _ := bearerToken(r)
	return token
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	// Reject before upgrading so unauthenticated clients get a plain 401.
	id, err := h.gateway.Authenticate(tokenFromRequest(r))
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws authentication failed")
		stdhttp.Error(w, "unauthorized", stdhttp.StatusUnauthorized)
		return
	}

	client, err := h.gateway.ConnectIdentity(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", id.Subject).Msg("ws connect failed")
		stdhttp.Error(w, "service unavailable", stdhttp.StatusServiceUnavailable)
		return
	}
	defer h.gateway.Disconnect(client)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.cfg.AllowedOrigins,
		InsecureSkipVerify: len(h.cfg.AllowedOrigins) == 0,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	limiter := newRateLimiter(h.cfg.MessagesPerMinute)
	limiter.startReset(ctx.Done())

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client, limiter)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	status, reason := h.closeStatus(client, err)
	// Close before cancelling: a cancelled read would close with a policy violation instead.
	conn.Close(status, reason)
	cancel()
	<-errCh
}

func (h *WSHandler) closeStatus(client *core.Client, err error) (websocket.StatusCode, string) {
	status := websocket.StatusNormalClosure
	reason := "closing"
	switch {
	case errors.Is(err, errServerClosed):
		return websocket.StatusGoingAway, "server shutting down"
	case err != nil && !errors.Is(err, context.Canceled):
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = "internal error"
			h.log.Warn().Err(err).Str("conn_id", client.ID).Msg("ws connection closed with error")
		}
	}
	return status, reason
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, limiter *rateLimiter) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		cmd, protoErr := inboundToCommand(inbound)
		if protoErr != nil {
			client.Send(&core.Event{Kind: core.EventError, Error: &core.CoreError{Code: protoErr.Code, Message: protoErr.Msg}})
			continue
		}
		h.dispatch(ctx, client, cmd, limiter)
	}
}

// dispatch runs one command. Replies go through client.Events so the write loop stays the only writer.
func (h *WSHandler) dispatch(ctx context.Context, client *core.Client, cmd *core.Command, limiter *rateLimiter) {
	logger := h.log.With().Str("conn_id", client.ID).Str("user_id", client.UserID).Str("room_id", cmd.Room).Logger()

	switch cmd.Kind {
	case core.CommandJoinRoom:
		if _, err := h.gateway.JoinRoom(ctx, client, cmd.Room); err != nil {
			logger.Debug().Err(err).Msg("join room rejected")
			h.sendError(client, err)
			return
		}
		client.Send(&core.Event{Kind: core.EventRoomJoined, Room: cmd.Room, User: client.UserID})

	case core.CommandLeaveRoom:
		h.gateway.LeaveRoom(client, cmd.Room)
		client.Send(&core.Event{Kind: core.EventRoomLeft, Room: cmd.Room, User: client.UserID})

	case core.CommandSendMessage:
		if !limiter.allow() {
			h.sendError(client, core.ErrRateLimited)
			return
		}
		receipt, err := h.submitter.Submit(ctx, client.UserID, submissionFromCommand(cmd))
		if err != nil {
			logger.Debug().Err(err).Msg("message rejected")
			h.sendError(client, err)
			return
		}
		client.Send(&core.Event{
			Kind: core.EventMessageAccepted,
			Room: receipt.RoomID,
			Ack: &core.Ack{
				MessageID:  receipt.MessageID,
				ClientID:   receipt.ClientID,
				RoomID:     receipt.RoomID,
				CreatedAt:  receipt.CreatedAt,
				Recipients: receipt.Recipients,
			},
		})
	}
}

func (h *WSHandler) sendError(client *core.Client, err error) {
	ce := core.AsCoreError(err)
	if ce.Code == core.ErrCodeInternal || ce.Code == core.ErrCodeUnavailable {
		h.log.Error().Err(err).Str("conn_id", client.ID).Msg("command failed")
	}
	client.Send(&core.Event{Kind: core.EventError, Error: ce})
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	var ping <-chan time.Time
	if h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case event := <-client.Events:
			if err := h.write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("conn_id", client.ID).Msg("write ws event")
				return err
			}
		case <-ping:
			pctx, cancel := h.writeContext(ctx)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		case <-client.Done():
			return errServerClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) write(ctx context.Context, conn *websocket.Conn, out proto.Outbound) error {
	wctx, cancel := h.writeContext(ctx)
	defer cancel()
	return wsjson.Write(wctx, conn, out)
}

func (h *WSHandler) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.WriteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.cfg.WriteTimeout)
}
