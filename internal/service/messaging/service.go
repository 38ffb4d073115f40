package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/cache"
	"github.com/vovakirdan/tutorlink-realtime/internal/core"
	"github.com/vovakirdan/tutorlink-realtime/internal/store"
)

// Service groups the messaging operations used by the transport layer.
type Service struct {
	*Pipeline
	*HistoryReader

	log    store.MessageLog
	rooms  store.RoomStore
	cache  cache.Store
	logger *zerolog.Logger
	now    func() time.Time
}

// New creates a messaging service.
func New(pipeline *Pipeline, history *HistoryReader, st store.Store, c cache.Store, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		Pipeline:      pipeline,
		HistoryReader: history,
		log:           st,
		rooms:         st,
		cache:         c,
		logger:        logger,
		now:           time.Now,
	}
}

// History returns a page of room history for a member of the room.
func (s *Service) History(ctx context.Context, userID, roomID string, f Filters, limit int) ([]store.Message, error) {
	ok, err := s.rooms.IsRoomMember(ctx, userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return nil, core.ErrNotRoomMember
	}
	return s.GetMessages(ctx, roomID, f, limit)
}

// DeleteMessage soft-deletes a message. Only its sender may delete it.
func (s *Service) DeleteMessage(ctx context.Context, roomID, messageID, byUserID string) error {
	msg, err := s.log.GetMessage(ctx, roomID, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.ErrMessageNotFound
		}
		return fmt.Errorf("get message: %w", err)
	}
	if msg.SenderID != byUserID {
		return core.ErrForbidden
	}
	if msg.DeletedAt != nil {
		return nil
	}

	if err := s.log.SoftDeleteMessage(ctx, roomID, messageID, s.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.ErrMessageNotFound
		}
		return fmt.Errorf("delete message: %w", err)
	}
	if _, err := InvalidateRoom(ctx, s.cache, roomID); err != nil {
		// Entries expire with their TTL; the delete itself succeeded.
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("history invalidation after delete failed")
	}

	s.logger.Info().Str("room_id", roomID).Str("message_id", messageID).Str("user_id", byUserID).Msg("message deleted")
	return nil
}

// AddMembers records membership for users in roomID.
func (s *Service) AddMembers(ctx context.Context, roomID string, userIDs []string) error {
	for _, id := range userIDs {
		if err := s.rooms.AddMember(ctx, roomID, id); err != nil {
			return fmt.Errorf("add %s to room %s: %w", id, roomID, err)
		}
	}
	return nil
}
