// Package broker implements the credential broker core: the session
// manager for in-flight OAuth authorizations, the refresh coordinator, the
// request dispatcher, and the unix-socket server that ties them together.
package broker

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable error code suitable for programmatic branching by
// callers. Every failure crossing the wire carries one.
type Code string

const (
	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeSessionAlreadyUsed    Code = "SESSION_ALREADY_USED"
	CodeSessionExpired        Code = "SESSION_EXPIRED"
	CodeAccessDenied          Code = "ACCESS_DENIED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeProviderNotConfigured Code = "PROVIDER_NOT_CONFIGURED"
	CodeRefreshNotAvailable   Code = "REFRESH_NOT_AVAILABLE"
	CodeRefreshFailed         Code = "REFRESH_FAILED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeValidationError       Code = "VALIDATION_ERROR"
	CodeFrameTimeout          Code = "FRAME_TIMEOUT"
	CodeRequestTimeout        Code = "REQUEST_TIMEOUT"

	// CodeInternal covers unexpected server-side faults, such as a failed
	// write to the token store. It is not part of the caller-facing retry
	// taxonomy.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a broker failure with a stable code. RetryAfter is set only for
// CodeRateLimited.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a broker error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a *Error from err, or wraps err as the given fallback
// code so no raw provider or transport error ever reaches the wire.
func AsError(err error, fallback Code) *Error {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr
	}
	return &Error{Code: fallback, Message: err.Error()}
}
