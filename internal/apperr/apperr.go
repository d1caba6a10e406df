// Package apperr defines the error categories shared by the chat packages.
// Every failure surfaced to a client maps to exactly one of these sentinels
// via errors.Is; none of them ever terminates a connection.
package apperr

import (
	"errors"
	"time"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("authentication required")
	ErrPermission      = errors.New("permission denied")
	ErrBanned          = errors.New("banned from chat")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrRateLimited     = errors.New("rate limited")
)

// BannedError is returned when a join or send is refused because an active
// ban matches the caller. It matches ErrBanned.
type BannedError struct {
	Reason    string
	ExpiresAt *time.Time // nil for permanent bans
}

func (e *BannedError) Error() string {
	if e.Reason == "" {
		return ErrBanned.Error()
	}
	return ErrBanned.Error() + ": " + e.Reason
}

func (e *BannedError) Is(target error) bool {
	return target == ErrBanned
}

// Message returns the client-facing text for a banned notification.
func (e *BannedError) Message() string {
	msg := "you are banned from this chat"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// RateLimitError is returned when a caller sends faster than the configured
// rule allows. It matches ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return ErrRateLimited.Error() + ": retry in " + e.RetryAfter.String()
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetrySeconds rounds RetryAfter up to whole seconds, at least 1.
func (e *RateLimitError) RetrySeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Code maps err to a stable machine-readable code for error events and
// HTTP responses. Unknown errors map to "internal_error".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrPermission):
		return "permission_denied"
	case errors.Is(err, ErrBanned):
		return "banned"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// IsClientError reports whether err belongs to one of the known categories,
// meaning its text is safe to show to the caller. Anything else is a store
// or programming failure and gets a generic message.
func IsClientError(err error) bool {
	return Code(err) != "internal_error"
}
