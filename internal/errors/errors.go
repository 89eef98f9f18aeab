package errors

import (
	"errors"
	"strings"
)

// Authentication errors.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoSession    = errors.New("no stored session, login required")
	ErrTokenExpired = errors.New("access token expired")
)

// Connection errors.
var (
	ErrNotConnected = errors.New("push channel not connected")
	ErrClosed       = errors.New("push channel closed")
)

// Coordinator errors.
var (
	ErrInvalidConversation = errors.New("invalid conversation")
	ErrMessageNotFound     = errors.New("message not found")
)

// statusCoder is implemented by errors that carry an HTTP-like status.
type statusCoder interface {
	StatusCode() int
}

// authMarkers are the reason fragments servers use when rejecting a token.
var authMarkers = []string{"unauthorized", "forbidden", "jwt", "invalid credential"}

// IsAuthFailure reports whether err means the credentials were rejected.
// Such failures are terminal: retrying with the same token cannot succeed.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrTokenExpired) {
		return true
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() == 401 {
		return true
	}
	return IsAuthReason(err.Error())
}

// IsAuthReason reports whether a server-provided reason string signals an
// authentication rejection.
func IsAuthReason(reason string) bool {
	reason = strings.ToLower(reason)
	for _, m := range authMarkers {
		if strings.Contains(reason, m) {
			return true
		}
	}
	return false
}
