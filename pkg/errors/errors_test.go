package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimitErrorIsRetryable(t *testing.T) {
	err := NewRateLimitError("openai", "gpt-4o", "quota exceeded")
	assert.Equal(t, http.StatusTooManyRequests, err.StatusCode)
	assert.True(t, err.Retryable)
	assert.True(t, IsRateLimit(err))
	assert.False(t, IsTimeout(err))
}

func TestPredicatesUnwrap(t *testing.T) {
	wrapped := fmt.Errorf("dispatch failed: %w", NewRateLimitError("openai", "", "429"))
	assert.True(t, IsRateLimit(wrapped))

	wrapped = fmt.Errorf("acquire: %w", NewCredentialsExhaustedError("openai", "cooling down"))
	assert.True(t, IsCredentialsExhausted(wrapped))
}

func TestTimeoutIsTerminal(t *testing.T) {
	err := NewTimeoutError("anthropic", "claude-3-5-sonnet", "deadline exceeded")
	assert.True(t, IsTimeout(err))
	assert.False(t, err.Retryable)
	assert.False(t, IsRateLimit(err))
}

func TestUpstreamErrorKeepsStatusCode(t *testing.T) {
	err := NewUpstreamError("openai", "gpt-4o", 503, "overloaded")
	assert.Equal(t, 503, err.StatusCode)
	assert.Equal(t, 503, err.HTTPStatusCode())

	// Unknown status falls back to 502.
	err = NewUpstreamError("openai", "gpt-4o", 0, "connection reset")
	assert.Equal(t, http.StatusBadGateway, err.StatusCode)
}

func TestErrorStringCarriesContext(t *testing.T) {
	err := NewRateLimitError("openai", "gpt-4o", "quota exceeded")
	s := err.Error()
	assert.Contains(t, s, TypeRateLimit)
	assert.Contains(t, s, "openai")
	assert.Contains(t, s, "gpt-4o")
}

func TestPredicatesRejectPlainErrors(t *testing.T) {
	err := fmt.Errorf("plain")
	assert.False(t, IsRateLimit(err))
	assert.False(t, IsCredentialsExhausted(err))
	assert.False(t, IsTimeout(err))
}
