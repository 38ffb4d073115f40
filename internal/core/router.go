package core

import (
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/metrics"
)

// Router fans notifications out to whoever is connected right now.
// Nothing is queued for offline users.
type Router struct {
	registry *Registry
	logger   *zerolog.Logger
}

// NewRouter creates a router over the registry.
func NewRouter(registry *Registry, logger *zerolog.Logger) *Router {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Router{registry: registry, logger: logger}
}

// EmitToRoom delivers n to every connection subscribed to roomID.
func (r *Router) EmitToRoom(roomID string, n Notification) int {
	delivered := r.registry.Broadcast(roomID, &Event{Kind: EventNotification, Room: roomID, Notification: n})
	r.record(n, delivered).Str("room_id", roomID).Msg("notification emitted to room")
	return delivered
}

// EmitToUser delivers n to every connection of userID.
func (r *Router) EmitToUser(userID string, n Notification) int {
	delivered := r.registry.SendToUser(userID, &Event{Kind: EventNotification, User: userID, Notification: n})
	r.record(n, delivered).Str("user_id", userID).Msg("notification emitted to user")
	return delivered
}

func (r *Router) record(n Notification, delivered int) *zerolog.Event {
	metrics.NotificationsEmitted.WithLabelValues(string(n.Kind())).Inc()
	return r.logger.Debug().Str("kind", string(n.Kind())).Int("delivered", delivered)
}
