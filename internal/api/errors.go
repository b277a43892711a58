package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"eventgate/internal/attendance"
	"eventgate/internal/group"
	"eventgate/internal/participant"
)

var statusByCode = map[attendance.Code]int{
	attendance.CodeCodeNotFound:         http.StatusNotFound,
	attendance.CodeEventNotFound:        http.StatusNotFound,
	attendance.CodeRegistrationNotFound: http.StatusNotFound,
	attendance.CodeParticipantNotFound:  http.StatusNotFound,
	attendance.CodeEventNotOpen:         http.StatusConflict,
	attendance.CodeCapacityExceeded:     http.StatusConflict,
	attendance.CodeAlreadyRegistered:    http.StatusConflict,
	attendance.CodeNotInGroup:           http.StatusNotFound,
	attendance.CodeValidation:           http.StatusBadRequest,
	attendance.CodeTransient:            http.StatusServiceUnavailable,
}

// retryAfter is the Retry-After hint, in seconds, sent with transient failures.
const retryAfter = "1"

func writeError(c *gin.Context, err error) {
	var domain *attendance.Error
	switch {
	case errors.As(err, &domain):
		status, ok := statusByCode[domain.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		if domain.Code == attendance.CodeTransient {
			slog.Warn("transient failure", "path", c.FullPath(), "error", err)
			c.Header("Retry-After", retryAfter)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": domain.Message, "code": domain.Code})
	case errors.Is(err, participant.ErrEmailTaken):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "EMAIL_TAKEN"})
	case errors.Is(err, participant.ErrInvalidCredentials):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "INVALID_CREDENTIALS"})
	case errors.Is(err, participant.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": attendance.CodeParticipantNotFound})
	case errors.Is(err, participant.ErrInvalidInput), errors.Is(err, group.ErrInvalidInput):
		badRequest(c, err)
	case errors.Is(err, group.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "GROUP_NOT_FOUND"})
	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": attendance.CodeValidation})
}
