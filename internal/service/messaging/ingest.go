package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/maphash"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/core"
	"github.com/vovakirdan/tutorlink-realtime/internal/metrics"
	"github.com/vovakirdan/tutorlink-realtime/internal/queue"
)

const (
	roomStripes = 64

	// A resubmission with the same client ID inside this window gets the
	// original receipt instead of a second broadcast.
	resubmitWindow    = 2 * time.Minute
	resubmitPerStripe = 512
)

// Submission is an inbound chat message before it is accepted.
type Submission struct {
	RoomID      string   `validate:"required,max=128"`
	Text        string   `validate:"max=4000"`
	Attachments []string `validate:"max=10,dive,required,max=2048"`
	ReceiverID  string   `validate:"omitempty,max=128"`
	ClientID    string   `validate:"omitempty,max=64"`
}

// Receipt describes an accepted submission. It never claims durability.
type Receipt struct {
	MessageID  string
	ClientID   string
	RoomID     string
	CreatedAt  time.Time
	Recipients int
	State      DeliveryState
}

// LiveRooms is the part of the connection registry the pipeline needs.
type LiveRooms interface {
	UserInRoom(userID, roomID string) bool
	Broadcast(roomID string, ev *core.Event) int
}

type recentReceipt struct {
	receipt Receipt
	expires time.Time
}

type roomStripe struct {
	mu     sync.Mutex
	last   time.Time
	recent map[string]recentReceipt
}

// lookup requires mu.
func (s *roomStripe) lookup(key string, now time.Time) (*Receipt, bool) {
	r, ok := s.recent[key]
	if !ok || !now.Before(r.expires) {
		return nil, false
	}
	out := r.receipt
	return &out, true
}

// remember requires mu.
func (s *roomStripe) remember(key string, r Receipt, now time.Time) {
	if s.recent == nil {
		s.recent = make(map[string]recentReceipt)
	}
	if len(s.recent) >= resubmitPerStripe {
		for k, v := range s.recent {
			if !now.Before(v.expires) {
				delete(s.recent, k)
			}
		}
		for k := range s.recent {
			if len(s.recent) < resubmitPerStripe {
				break
			}
			delete(s.recent, k)
		}
	}
	s.recent[key] = recentReceipt{receipt: r, expires: now.Add(resubmitWindow)}
}

// Pipeline accepts chat messages: it enqueues them for persistence and
// broadcasts them to the room without waiting for storage.
type Pipeline struct {
	queue    queue.Queue
	rooms    LiveRooms
	logger   *zerolog.Logger
	validate *validator.Validate
	now      func() time.Time

	seed    maphash.Seed
	stripes [roomStripes]roomStripe
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(q queue.Queue, rooms LiveRooms, logger *zerolog.Logger) *Pipeline {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Pipeline{
		queue:    q,
		rooms:    rooms,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
		seed:     maphash.MakeSeed(),
	}
}

// Submit validates and accepts a message from senderID.
//
// Within one room, accepted messages get strictly increasing timestamps and
// are enqueued and broadcast in that order. If the job cannot be enqueued,
// nothing is broadcast and ErrQueueUnavailable is returned. A resubmission
// carrying a recently accepted client ID returns the original receipt.
func (p *Pipeline) Submit(ctx context.Context, senderID string, sub Submission) (*Receipt, error) {
	sub.Text = strings.TrimSpace(sub.Text)
	if err := p.validate.Struct(sub); err != nil {
		metrics.MessagesSubmitted.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	if sub.Text == "" && len(sub.Attachments) == 0 {
		metrics.MessagesSubmitted.WithLabelValues("invalid").Inc()
		return nil, core.ErrEmptyPayload
	}
	if !p.rooms.UserInRoom(senderID, sub.RoomID) {
		metrics.MessagesSubmitted.WithLabelValues("not_member").Inc()
		return nil, core.ErrNotRoomMember
	}

	stripe := &p.stripes[maphash.String(p.seed, sub.RoomID)%roomStripes]
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	now := p.now().UTC()
	resubmitKey := ""
	if sub.ClientID != "" {
		resubmitKey = SendMessagePayload{SenderID: senderID, RoomID: sub.RoomID, ClientID: sub.ClientID}.DedupKey()
		if prev, ok := stripe.lookup(resubmitKey, now); ok {
			metrics.MessagesSubmitted.WithLabelValues("resubmitted").Inc()
			p.logger.Debug().
				Str("room_id", sub.RoomID).
				Str("user_id", senderID).
				Str("message_id", prev.MessageID).
				Msg("resubmission answered with original receipt")
			return prev, nil
		}
	}

	createdAt := now
	if !createdAt.After(stripe.last) {
		createdAt = stripe.last.Add(time.Nanosecond)
	}

	payload := SendMessagePayload{
		MessageID:   ulid.MustNew(ulid.Timestamp(createdAt), ulid.DefaultEntropy()).String(),
		SenderID:    senderID,
		RoomID:      sub.RoomID,
		ReceiverID:  sub.ReceiverID,
		ClientID:    sub.ClientID,
		Text:        sub.Text,
		Attachments: sub.Attachments,
		CreatedAt:   createdAt,
	}
	if payload.Attachments == nil {
		payload.Attachments = []string{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	job, err := p.queue.Enqueue(ctx, JobTypeSendMessage, body)
	if err != nil {
		metrics.MessagesSubmitted.WithLabelValues("queue_unavailable").Inc()
		p.logger.Error().Err(err).Str("room_id", sub.RoomID).Str("user_id", senderID).Msg("enqueue message failed")
		return nil, fmt.Errorf("%w: %w", core.ErrQueueUnavailable, err)
	}
	stripe.last = createdAt

	recipients := p.rooms.Broadcast(sub.RoomID, &core.Event{
		Kind: core.EventNewMessage,
		Room: sub.RoomID,
		User: senderID,
		Message: &core.Message{
			ID:          payload.MessageID,
			RoomID:      payload.RoomID,
			SenderID:    senderID,
			ReceiverID:  payload.ReceiverID,
			ClientID:    payload.ClientID,
			Text:        payload.Text,
			Attachments: payload.Attachments,
			CreatedAt:   createdAt,
		},
	})

	metrics.MessagesSubmitted.WithLabelValues("accepted").Inc()
	metrics.BroadcastRecipients.Observe(float64(recipients))
	p.logger.Debug().
		Str("room_id", sub.RoomID).
		Str("user_id", senderID).
		Str("message_id", payload.MessageID).
		Str("job_id", job.ID).
		Int("recipients", recipients).
		Msg("message accepted")

	receipt := Receipt{
		MessageID:  payload.MessageID,
		ClientID:   payload.ClientID,
		RoomID:     payload.RoomID,
		CreatedAt:  createdAt,
		Recipients: recipients,
		State:      DeliveredLive,
	}
	if resubmitKey != "" {
		stripe.remember(resubmitKey, receipt, now)
	}
	return &receipt, nil
}
