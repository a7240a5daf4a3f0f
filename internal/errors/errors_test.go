package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewCircuitOpenError("stripe", time.Now()))

	assert.True(t, stderrors.Is(err, &ResilienceError{Code: ErrCodeCircuitOpen}))
	assert.False(t, stderrors.Is(err, &ResilienceError{Code: ErrCodeRateLimitExceeded}))
	assert.True(t, HasCode(err, ErrCodeCircuitOpen))
	assert.Equal(t, ErrCodeCircuitOpen, GetErrorCode(err))
}

func TestRetryability(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient network", NewTransientNetworkError("twilio", stderrors.New("reset")), true},
		{"retryable status", NewRetryableStatusError("twilio", 503), true},
		{"timeout", NewTimeoutError("twilio", time.Second, nil), true},
		{"client error", NewProviderRequestError("twilio", 400), false},
		{"circuit open", NewCircuitOpenError("twilio", time.Now()), false},
		{"rate limit", NewRateLimitError("twilio", 10, time.Second), false},
		{"plain error", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 429, GetHTTPStatusCode(NewRateLimitError("maps", 5, 0)))
	assert.Equal(t, 503, GetHTTPStatusCode(NewNoHealthyProviderError("maps", 3)))
	assert.Equal(t, 402, GetHTTPStatusCode(NewNoAffordableProviderError("maps", "standard")))
	assert.Equal(t, 500, GetHTTPStatusCode(stderrors.New("opaque")))
}

func TestConstructorsCarryMetadata(t *testing.T) {
	err := NewManualOperationError("payments", "call the bank", []string{"oncall", "cfo"})

	assert.Equal(t, "call the bank", err.Metadata["instructions"])
	assert.Equal(t, []string{"oncall", "cfo"}, err.Metadata["escalation_path"])

	wrapped := WrapError(nil, ErrCodeInternalError, "x", "y")
	assert.Nil(t, wrapped)
}
