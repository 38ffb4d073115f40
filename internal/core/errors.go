package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotRoomMember    = "not_room_member"
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeForbidden        = "forbidden"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeInternal         = "internal"
)

var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrNotRoomMember    = errors.New("not a member of the room")
	ErrEmptyPayload     = errors.New("message must have text or attachments")
	ErrValidation       = errors.New("validation failed")
	ErrQueueUnavailable = errors.New("message queue unavailable")
	ErrMessageNotFound  = errors.New("message not found")
	ErrForbidden        = errors.New("forbidden")
	ErrBadRequest       = errors.New("bad request")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// AsCoreError maps err to the code clients see. Unknown errors become
// "internal" so storage details never leak over the wire.
func AsCoreError(err error) *CoreError {
	var ce *CoreError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, ErrAuthentication):
		return coreError(ErrCodeUnauthorized, ErrAuthentication.Error())
	case errors.Is(err, ErrNotRoomMember):
		return coreError(ErrCodeNotRoomMember, ErrNotRoomMember.Error())
	case errors.Is(err, ErrEmptyPayload), errors.Is(err, ErrValidation):
		return coreError(ErrCodeValidationFailed, err.Error())
	case errors.Is(err, ErrBadRequest):
		return coreError(ErrCodeBadRequest, err.Error())
	case errors.Is(err, ErrMessageNotFound):
		return coreError(ErrCodeNotFound, ErrMessageNotFound.Error())
	case errors.Is(err, ErrForbidden):
		return coreError(ErrCodeForbidden, ErrForbidden.Error())
	case errors.Is(err, ErrRateLimited):
		return coreError(ErrCodeRateLimited, ErrRateLimited.Error())
	case errors.Is(err, ErrQueueUnavailable):
		return coreError(ErrCodeUnavailable, ErrQueueUnavailable.Error())
	default:
		return coreError(ErrCodeInternal, "internal error")
	}
}
