// Package errors provides structured error types for the sync daemon.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout          = errors.New("operation timed out")
	ErrAuthFailure      = errors.New("authentication failed")
	ErrRateLimit        = errors.New("rate limit exceeded")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnavailable      = errors.New("service unavailable")
	ErrNotConfigured    = errors.New("not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownProject   = errors.New("unknown project")
)

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error. The wrapped sentinel is derived from the
// status code so callers can use errors.Is against ErrNotFound and friends.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message, Err: sentinelFor(statusCode)}
}

func sentinelFor(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrAuthFailure
	case status == 404:
		return ErrNotFound
	case status == 429:
		return ErrRateLimit
	case status == 400 || status == 422:
		return ErrInvalidInput
	case status >= 500:
		return ErrUnavailable
	}
	return nil
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsPermanent returns true for failures that will not go away on retry:
// malformed data, missing mappings, rejected credentials.
func IsPermanent(err error) bool {
	if err == nil || IsRetryable(err) {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrAuthFailure) ||
		errors.Is(err, ErrUnknownProject) ||
		errors.Is(err, ErrNotConfigured)
}

// Is and As re-export the standard helpers so callers importing this package
// under the name errors keep working.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// New re-exports errors.New.
func New(text string) error { return errors.New(text) }
