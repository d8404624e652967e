package turngen

import (
	"errors"
	"fmt"
)

// ErrorType categorizes generation failures. The conversation loop
// treats all of them as recoverable: the call returns to listening and
// a failure event is emitted, never a crash.
type ErrorType string

const (
	ErrTimeout        ErrorType = "timeout_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrProviderFailed ErrorType = "provider_error"
	ErrInvalidRequest ErrorType = "invalid_request_error"
)

// Error is a typed generation failure.
type Error struct {
	Type       ErrorType `json:"type"`
	Provider   string    `json:"provider,omitempty"`
	Message    string    `json:"message"`
	RetryAfter *int      `json:"retry_after,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying provider error, if any.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// IsRetryable reports whether retrying the same request could succeed.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrTimeout, ErrRateLimit:
		return true
	default:
		return false
	}
}

// NewTimeoutError creates a timeout failure.
func NewTimeoutError(provider string, underlying error) *Error {
	return &Error{
		Type:     ErrTimeout,
		Provider: provider,
		Message:  "generation deadline exceeded",
		wrapped:  underlying,
	}
}

// NewRateLimitError creates a rate-limit failure.
func NewRateLimitError(provider string, retryAfter int, underlying error) *Error {
	e := &Error{
		Type:     ErrRateLimit,
		Provider: provider,
		Message:  "provider rejected request: rate limited",
		wrapped:  underlying,
	}
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

// NewProviderError wraps an arbitrary provider failure.
func NewProviderError(provider string, underlying error) *Error {
	msg := "provider request failed"
	if underlying != nil {
		msg = underlying.Error()
	}
	return &Error{
		Type:     ErrProviderFailed,
		Provider: provider,
		Message:  msg,
		wrapped:  underlying,
	}
}

// NewInvalidRequestError creates a request-validation failure.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// AsError extracts a typed *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
