package linkup

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrEmptyMessage  = errors.New("linkup: message text is empty")
	ErrNoRoom        = errors.New("linkup: no room context")
	ErrSessionClosed = errors.New("linkup: session closed")
	ErrNotLive       = errors.New("linkup: session is not live")
	ErrNotConnected  = errors.New("linkup: realtime channel not connected")
	ErrTimeout       = errors.New("linkup: request timed out")
	ErrUnauthorized  = errors.New("linkup: unauthorized")
)

// APIError represents an error returned by the REST backend or the realtime server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// IsTransient reports whether err is a temporary network condition that should be
// retried silently on the next trigger.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotConnected) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 500 {
			return true
		}
		return strings.Contains(apiErr.Code, "TIMEOUT") || strings.Contains(apiErr.Code, "NETWORK")
	}
	return false
}

// IsAuth reports whether err is an authentication or authorization failure. These
// are surfaced to the user and never retried automatically.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 401 || apiErr.Status == 403 ||
			apiErr.Code == "UNAUTHORIZED" || apiErr.Code == "FORBIDDEN"
	}
	return false
}
