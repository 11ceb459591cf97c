// Package errors provides structured error types for the orchestration engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	// Expected scheduler outcomes, logged at debug rather than as failures.
	ErrNoTasksAvailable      = errors.New("no tasks available")
	ErrTaskAlreadyInProgress = errors.New("task already in progress")
	ErrNotEnabled            = errors.New("feature not enabled for project")

	// External failures.
	ErrTimeout       = errors.New("operation timed out")
	ErrRateLimit     = errors.New("rate limit exceeded")
	ErrUnavailable   = errors.New("service unavailable")
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrMissingAPIKey = errors.New("ANTHROPIC_API_KEY not set")

	// Domain failures.
	ErrNoRepositories = errors.New("no repositories for project")
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
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

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// Auth failures and malformed responses are permanent and must fail fast.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return true
		}
		return apiErr.StatusCode >= 500 && apiErr.StatusCode <= 599
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsExpected reports whether the error is a normal scheduler outcome
// (nothing to do, admission control blocked) rather than a failure.
func IsExpected(err error) bool {
	return errors.Is(err, ErrNoTasksAvailable) ||
		errors.Is(err, ErrTaskAlreadyInProgress) ||
		errors.Is(err, ErrNotEnabled)
}
