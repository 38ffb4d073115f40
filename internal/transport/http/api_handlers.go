package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/core"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var statusByCode = map[string]int{
	core.ErrCodeUnauthorized:     http.StatusUnauthorized,
	core.ErrCodeNotRoomMember:    http.StatusForbidden,
	core.ErrCodeForbidden:        http.StatusForbidden,
	core.ErrCodeValidationFailed: http.StatusBadRequest,
	core.ErrCodeBadRequest:       http.StatusBadRequest,
	core.ErrCodeNotFound:         http.StatusNotFound,
	core.ErrCodeRateLimited:      http.StatusTooManyRequests,
	core.ErrCodeUnavailable:      http.StatusServiceUnavailable,
}

// writeError maps a domain error to a status code and JSON body.
func writeError(c *gin.Context, logger *zerolog.Logger, err error) {
	ce := core.AsCoreError(err)
	status, ok := statusByCode[ce.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, ErrorResponse{Error: ce.Message, Code: ce.Code})
}

// badRequest reports a binding failure.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: core.ErrCodeBadRequest})
}

// userIDFrom returns the authenticated user set by AuthMiddleware.
func userIDFrom(c *gin.Context) (string, error) {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return "", core.ErrAuthentication
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", errors.New("invalid user_id type in context")
	}
	return id, nil
}
