package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/core"
)

// MembershipWriter records room membership on behalf of other services.
type MembershipWriter interface {
	AddMembers(ctx context.Context, roomID string, userIDs []string) error
}

// InternalHandlers serves the endpoints other platform services call.
type InternalHandlers struct {
	router  *core.Router
	gateway *core.Gateway
	members MembershipWriter
	log     *zerolog.Logger
}

// NewInternalHandlers creates a new internal handlers instance.
func NewInternalHandlers(router *core.Router, gateway *core.Gateway, members MembershipWriter, logger *zerolog.Logger) *InternalHandlers {
	return &InternalHandlers{router: router, gateway: gateway, members: members, log: logger}
}

// NotifyRequest represents the notification request body.
type NotifyRequest struct {
	Target  string          `json:"target" binding:"required,oneof=user room"`
	ID      string          `json:"id" binding:"required"`
	Kind    string          `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// NotifyResponse reports how many live connections received a notification.
type NotifyResponse struct {
	Delivered int `json:"delivered"`
}

// Notify emits a typed notification to a user or room.
// POST /internal/notifications
func (h *InternalHandlers) Notify(c *gin.Context) {
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	n, err := core.ParseNotification(req.Kind, req.Payload)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	var delivered int
	if req.Target == "room" {
		delivered = h.router.EmitToRoom(req.ID, n)
	} else {
		delivered = h.router.EmitToUser(req.ID, n)
	}
	c.JSON(http.StatusAccepted, NotifyResponse{Delivered: delivered})
}

// AddMembersRequest represents the add members request body.
type AddMembersRequest struct {
	UserIDs []string `json:"userIds" binding:"required,min=1,max=100,dive,required,max=128"`
}

// AddMembersResponse reports how many live connections were subscribed.
type AddMembersResponse struct {
	Joined int `json:"joined"`
}

// AddMembers records membership and subscribes connected users right away.
// POST /internal/rooms/:roomID/members
func (h *InternalHandlers) AddMembers(c *gin.Context) {
	var req AddMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	roomID := c.Param("roomID")
	if err := h.members.AddMembers(c.Request.Context(), roomID, req.UserIDs); err != nil {
		writeError(c, h.log, err)
		return
	}

	joined := 0
	for _, userID := range req.UserIDs {
		joined += h.gateway.JoinUser(userID, roomID)
	}
	h.log.Info().Str("room_id", roomID).Int("members", len(req.UserIDs)).Int("live_joined", joined).Msg("room members added")
	c.JSON(http.StatusOK, AddMembersResponse{Joined: joined})
}
