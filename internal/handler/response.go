package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/logging"
)

// ErrorInfo is the error object of a failed response.
type ErrorInfo struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func success(c *gin.Context, status int, body gin.H) {
	body["success"] = true
	c.JSON(status, body)
}

func fail(c *gin.Context, status int, info ErrorInfo) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": info})
}

func badRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrorInfo{Code: apperr.Code(apperr.ErrValidation), Message: message})
}

// writeError maps err to its HTTP status. Unknown errors are logged and
// answered with a generic 500.
func writeError(c *gin.Context, err error) {
	var banned *apperr.BannedError
	if errors.As(err, &banned) {
		fail(c, http.StatusForbidden, ErrorInfo{
			Code:      apperr.Code(err),
			Message:   banned.Message(),
			Reason:    banned.Reason,
			ExpiresAt: banned.ExpiresAt,
		})
		return
	}

	var limited *apperr.RateLimitError
	if errors.As(err, &limited) {
		c.Header("Retry-After", strconv.Itoa(limited.RetrySeconds()))
		fail(c, http.StatusTooManyRequests, ErrorInfo{Code: apperr.Code(err), Message: "too many messages, slow down"})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		l := logging.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("request failed")
		fail(c, status, ErrorInfo{Code: apperr.Code(err), Message: "internal error"})
		return
	}
	fail(c, status, ErrorInfo{Code: apperr.Code(err), Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrPermission), errors.Is(err, apperr.ErrBanned):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
