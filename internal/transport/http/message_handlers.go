package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/service/messaging"
	"github.com/vovakirdan/tutorlink-realtime/internal/store"
)

// MessageService is what the message endpoints need from the messaging layer.
type MessageService interface {
	History(ctx context.Context, userID, roomID string, f messaging.Filters, limit int) ([]store.Message, error)
	DeleteMessage(ctx context.Context, roomID, messageID, byUserID string) error
}

// MessageHandlers provides HTTP handlers for room history endpoints.
type MessageHandlers struct {
	service MessageService
	log     *zerolog.Logger
}

// NewMessageHandlers creates a new message handlers instance.
func NewMessageHandlers(service MessageService, logger *zerolog.Logger) *MessageHandlers {
	return &MessageHandlers{service: service, log: logger}
}

// HistoryQuery represents the history query string.
type HistoryQuery struct {
	SenderID      string `form:"senderId" binding:"omitempty,max=128"`
	HasAttachment string `form:"hasAttachment" binding:"omitempty,oneof=true false 1 0"`
	Before        string `form:"before"`
	BeforeID      string `form:"beforeId" binding:"omitempty,max=64"`
	Limit         int    `form:"limit" binding:"omitempty,gte=0"`
}

// HistoryResponse is a page of room history, newest first.
type HistoryResponse struct {
	Messages []MessageResponse `json:"messages"`
	// NextBefore and NextBeforeID point past the last message; an empty page ends the scan.
	NextBefore   string `json:"nextBefore,omitempty"`
	NextBeforeID string `json:"nextBeforeId,omitempty"`
}

func (q HistoryQuery) filters() (messaging.Filters, error) {
	f := messaging.Filters{SenderID: q.SenderID}
	if q.HasAttachment != "" {
		v, err := strconv.ParseBool(q.HasAttachment)
		if err != nil {
			return f, fmt.Errorf("hasAttachment: %w", err)
		}
		f.HasAttachment = &v
	}
	if q.Before != "" {
		t, err := time.Parse(time.RFC3339Nano, q.Before)
		if err != nil {
			return f, fmt.Errorf("before must be an RFC 3339 timestamp: %w", err)
		}
		f.Before = &store.Cursor{CreatedAt: t.UTC(), ID: q.BeforeID}
	}
	return f, nil
}

// ListMessages returns room history.
// GET /api/rooms/:roomID/messages
func (h *MessageHandlers) ListMessages(c *gin.Context) {
	userID, err := userIDFrom(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	var q HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	f, err := q.filters()
	if err != nil {
		badRequest(c, err)
		return
	}

	roomID := c.Param("roomID")
	msgs, err := h.service.History(c.Request.Context(), userID, roomID, f, q.Limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	resp := HistoryResponse{Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageResponse(m))
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		resp.NextBefore = formatTime(last.CreatedAt)
		resp.NextBeforeID = last.ID
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteMessage soft-deletes one of the caller's messages.
// DELETE /api/rooms/:roomID/messages/:messageID
func (h *MessageHandlers) DeleteMessage(c *gin.Context) {
	userID, err := userIDFrom(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	if err := h.service.DeleteMessage(c.Request.Context(), c.Param("roomID"), c.Param("messageID"), userID); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
