package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// NotificationKind discriminates the Notification variants.
type NotificationKind string

const (
	KindComment         NotificationKind = "comment"
	KindMatchingRequest NotificationKind = "matching-request"
	KindScheduleRequest NotificationKind = "schedule-request"
	KindGeneric         NotificationKind = "generic"
)

// Notification is a transient typed event routed to users or rooms.
// The set of implementations is closed to this package.
type Notification interface {
	Kind() NotificationKind
	// EventName is the outbound event type clients listen for.
	EventName() string
	isNotification()
}

// CommentNotification announces a new comment on a post the user follows.
type CommentNotification struct {
	PostID    string    `json:"postId" validate:"required"`
	CommentID string    `json:"commentId" validate:"required"`
	AuthorID  string    `json:"authorId" validate:"required"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// MatchingRequestNotification announces a student/tutor matching request or its status change.
type MatchingRequestNotification struct {
	RequestID  string    `json:"requestId" validate:"required"`
	FromUserID string    `json:"fromUserId" validate:"required"`
	Status     string    `json:"status" validate:"required,oneof=pending accepted rejected cancelled"`
	Subject    string    `json:"subject,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ScheduleRequestNotification announces a lesson schedule proposal or its status change.
type ScheduleRequestNotification struct {
	RequestID       string    `json:"requestId" validate:"required"`
	FromUserID      string    `json:"fromUserId" validate:"required"`
	RoomID          string    `json:"roomId,omitempty"`
	Status          string    `json:"status" validate:"required,oneof=pending accepted rejected cancelled"`
	StartsAt        time.Time `json:"startsAt" validate:"required"`
	DurationMinutes int       `json:"durationMinutes" validate:"gte=0,lte=1440"`
	Note            string    `json:"note,omitempty"`
}

// GenericNotification is a free-form message for anything else.
type GenericNotification struct {
	Title string         `json:"title" validate:"required"`
	Body  string         `json:"body"`
	Link  string         `json:"link,omitempty" validate:"omitempty,url"`
	Data  map[string]any `json:"data,omitempty"`
}

func (CommentNotification) Kind() NotificationKind         { return KindComment }
func (MatchingRequestNotification) Kind() NotificationKind { return KindMatchingRequest }
func (ScheduleRequestNotification) Kind() NotificationKind { return KindScheduleRequest }
func (GenericNotification) Kind() NotificationKind         { return KindGeneric }

func (CommentNotification) EventName() string         { return "newComment" }
func (MatchingRequestNotification) EventName() string { return "newMatchingRequestNotification" }
func (ScheduleRequestNotification) EventName() string { return "newScheduleRequestNotification" }
func (GenericNotification) EventName() string         { return "newNotification" }

func (CommentNotification) isNotification()         {}
func (MatchingRequestNotification) isNotification() {}
func (ScheduleRequestNotification) isNotification() {}
func (GenericNotification) isNotification()         {}

var validate = validator.New()

// ParseNotification decodes raw into the variant named by kind and validates it.
func ParseNotification(kind string, raw json.RawMessage) (Notification, error) {
	var n Notification
	switch NotificationKind(kind) {
	case KindComment:
		n = decodeNotification[CommentNotification](raw)
	case KindMatchingRequest:
		n = decodeNotification[MatchingRequestNotification](raw)
	case KindScheduleRequest:
		n = decodeNotification[ScheduleRequestNotification](raw)
	case KindGeneric:
		n = decodeNotification[GenericNotification](raw)
	default:
		return nil, fmt.Errorf("unknown notification kind %q: %w", kind, ErrBadRequest)
	}
	if n == nil {
		return nil, fmt.Errorf("decode %s notification: %w", kind, ErrBadRequest)
	}
	if err := validate.Struct(n); err != nil {
		return nil, fmt.Errorf("%s notification: %v: %w", kind, err, ErrValidation)
	}
	return n, nil
}

func decodeNotification[T Notification](raw json.RawMessage) Notification {
	var v T
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
