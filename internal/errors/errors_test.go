package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable_APIErrors(t *testing.T) {
	retryable := []int{429, 500, 502, 503, 504}
	for _, code := range retryable {
		err := NewAPIError("advisor", code, "boom")
		assert.True(t, IsRetryable(err), "status %d should be retryable", code)
	}

	permanent := []int{400, 401, 403, 404, 422}
	for _, code := range permanent {
		err := NewAPIError("advisor", code, "boom")
		assert.False(t, IsRetryable(err), "status %d should not be retryable", code)
	}
}

func TestIsRetryable_Sentinels(t *testing.T) {
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrRateLimit))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.False(t, IsRetryable(ErrInvalidAPIKey))
	assert.False(t, IsRetryable(ErrMissingAPIKey))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrInvalidAPIKey)))
}

func TestIsRetryable_Wrapped(t *testing.T) {
	err := fmt.Errorf("asking advisor: %w", NewAPIError("advisor", 503, "overloaded"))
	assert.True(t, IsRetryable(err))
}

func TestIsExpected(t *testing.T) {
	assert.True(t, IsExpected(ErrNoTasksAvailable))
	assert.True(t, IsExpected(ErrTaskAlreadyInProgress))
	assert.True(t, IsExpected(fmt.Errorf("cycle: %w", ErrNotEnabled)))
	assert.False(t, IsExpected(ErrTimeout))
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("connection reset")
	err := &APIError{Service: "advisor", StatusCode: 502, Message: "bad gateway", Err: inner}
	assert.ErrorContains(t, err, "advisor API error (status 502)")
	assert.Equal(t, inner, err.Unwrap())
}
