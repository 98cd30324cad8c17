package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(NewTransientServiceError("upstream 503", nil)))
	assert.True(t, Retryable(NewRateLimitTimeout("no slot")))
	assert.True(t, Retryable(NewVerificationError("too small")))

	assert.False(t, Retryable(NewValidationError("missing key")))
	assert.False(t, Retryable(NewNotFoundError("gone")))
	assert.False(t, Retryable(NewTerminalServiceError("upstream 400", nil)))

	// Unclassified faults stay retryable so the attempt budget, not the
	// first hiccup, decides the job's fate.
	assert.True(t, Retryable(errors.New("connection reset")))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeOf(NewNotFoundError("gone")))
	assert.Equal(t, "", CodeOf(errors.New("plain")))

	// Wrapped pipeline errors still classify.
	wrapped := fmt.Errorf("fetch: %w", NewTransientServiceError("upstream 502", nil))
	assert.Equal(t, CodeTransientService, CodeOf(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dns failure")
	err := NewTransientServiceError("unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dns failure")
	assert.Contains(t, err.Error(), CodeTransientService)
}
