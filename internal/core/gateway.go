package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/metrics"
)

// Identity is the verified subject of a bearer token.
type Identity struct {
	Subject   string
	ExpiresAt time.Time
}

// TokenVerifier validates bearer tokens. Failures are final; callers do not retry.
type TokenVerifier interface {
	VerifyToken(token string) (Identity, error)
}

// RoomDirectory resolves room membership owned by another service.
type RoomDirectory interface {
	RoomsForUser(ctx context.Context, userID string) ([]string, error)
	IsRoomMember(ctx context.Context, userID, roomID string) (bool, error)
}

// Gateway authenticates connections and manages their room subscriptions.
type Gateway struct {
	verifier    TokenVerifier
	rooms       RoomDirectory
	registry    *Registry
	logger      *zerolog.Logger
	eventBuffer int
}

// NewGateway wires a gateway. eventBuffer <= 0 uses DefaultEventBuffer.
func NewGateway(verifier TokenVerifier, rooms RoomDirectory, registry *Registry, logger *zerolog.Logger, eventBuffer int) *Gateway {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Gateway{
		verifier:    verifier,
		rooms:       rooms,
		registry:    registry,
		logger:      logger,
		eventBuffer: eventBuffer,
	}
}

// Registry exposes the connection registry the gateway writes to.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Authenticate verifies rawToken without registering anything.
func (g *Gateway) Authenticate(rawToken string) (Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrAuthentication)
	}
	id, err := g.verifier.VerifyToken(rawToken)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if id.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrAuthentication)
	}
	return id, nil
}

// Connect authenticates rawToken, registers a new client and subscribes it
// to every room the user belongs to. The client's first event is EventConnected.
func (g *Gateway) Connect(ctx context.Context, rawToken string) (*Client, error) {
	id, err := g.Authenticate(rawToken)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	return g.ConnectIdentity(ctx, id)
}

// ConnectIdentity registers a client for an already verified identity.
//
// EventConnected is queued before the client becomes visible, so it stays the
// first event. Membership is resolved a second time after registration: a room
// recorded in between had its JoinUser find no connection, and is joined here.
func (g *Gateway) ConnectIdentity(ctx context.Context, id Identity) (*Client, error) {
	rooms, err := g.rooms.RoomsForUser(ctx, id.Subject)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("resolve rooms for %s: %w", id.Subject, err)
	}
	rooms = uniqueSorted(rooms)

	client := NewClient(uuid.NewString(), id.Subject, g.eventBuffer)
	client.Send(&Event{Kind: EventConnected, User: id.Subject, Rooms: rooms})
	g.registry.Register(client, rooms)
	joined := len(rooms)

	latest, err := g.rooms.RoomsForUser(ctx, id.Subject)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", id.Subject).Msg("room re-check after connect failed")
	}
	for _, roomID := range latest {
		if g.registry.Join(client, roomID) {
			joined++
			client.Send(&Event{Kind: EventRoomJoined, Room: roomID, User: id.Subject})
		}
	}

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.RoomJoins.Add(float64(joined))
	g.logger.Info().
		Str("user_id", id.Subject).
		Str("conn_id", client.ID).
		Int("rooms", joined).
		Msg("client connected")
	return client, nil
}

func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Disconnect unregisters the client. offline reports the user has no other connection left.
func (g *Gateway) Disconnect(client *Client) bool {
	select {
	case <-client.Done():
		return false
	default:
	}

	offline := g.registry.Unregister(client)
	g.logger.Info().
		Str("user_id", client.UserID).
		Str("conn_id", client.ID).
		Bool("offline", offline).
		Msg("client disconnected")
	return offline
}

// JoinRoom subscribes client to roomID after checking membership.
// Joining a room the client is already in returns false and no error.
func (g *Gateway) JoinRoom(ctx context.Context, client *Client, roomID string) (bool, error) {
	if roomID == "" {
		return false, fmt.Errorf("%w: roomId is required", ErrBadRequest)
	}
	if client.InRoom(roomID) {
		return false, nil
	}

	ok, err := g.rooms.IsRoomMember(ctx, client.UserID, roomID)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return false, ErrNotRoomMember
	}

	joined := g.registry.Join(client, roomID)
	if joined {
		metrics.RoomJoins.Inc()
		g.logger.Debug().Str("conn_id", client.ID).Str("room_id", roomID).Msg("room joined")
	}
	return joined, nil
}

// LeaveRoom stops live traffic for roomID on this connection. Membership is untouched.
func (g *Gateway) LeaveRoom(client *Client, roomID string) bool {
	return g.registry.Leave(client, roomID)
}

// JoinUser subscribes every live connection of userID to roomID and tells each one.
// Callers are expected to have recorded the membership already.
func (g *Gateway) JoinUser(userID, roomID string) int {
	joined := 0
	for _, c := range g.registry.UserClients(userID) {
		if g.registry.Join(c, roomID) {
			joined++
			c.Send(&Event{Kind: EventRoomJoined, Room: roomID, User: userID})
		}
	}
	if joined > 0 {
		metrics.RoomJoins.Add(float64(joined))
	}
	return joined
}

// IsAuthError reports whether err came from token verification.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
