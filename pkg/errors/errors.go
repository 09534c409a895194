// Package errors defines the unified error taxonomy for gateway operations.
// All provider-specific failures are mapped to these standard error types so
// the orchestrator can decide, uniformly, what is retried and what is not.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// GatewayError is a standardized error from any stage of a chat call.
type GatewayError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	// Retryable marks errors the caller may retry later. Only rate-limit
	// errors are retried automatically, and only once.
	Retryable bool `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the status code to surface to HTTP callers.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error type constants.
const (
	TypeRateLimit            = "rate_limit_error"
	TypeCredentialsExhausted = "credentials_exhausted"
	TypeUpstream             = "upstream_error"
	TypeTimeout              = "timeout_error"
	TypeUnsupportedProvider  = "unsupported_provider"
	TypeAttachmentFetch      = "attachment_fetch_failed"
	TypeInvalidRequest       = "invalid_request_error"
)

// NewRateLimitError creates a rate limit error (429). It triggers one
// credential rotation and retry before becoming terminal.
func NewRateLimitError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewCredentialsExhaustedError signals that no credential for the provider is
// currently available. Terminal; no upstream attempt is possible.
func NewCredentialsExhaustedError(provider, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeCredentialsExhausted,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewUpstreamError creates a terminal provider failure.
func NewUpstreamError(provider, model string, statusCode int, message string) *GatewayError {
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	return &GatewayError{
		StatusCode: statusCode,
		Message:    message,
		Type:       TypeUpstream,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (408). Timeouts follow the terminal
// path and are never retried automatically.
func NewTimeoutError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewUnsupportedProviderError rejects a request naming an unknown provider.
func NewUnsupportedProviderError(provider string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    fmt.Sprintf("unsupported provider: %s", provider),
		Type:       TypeUnsupportedProvider,
		Provider:   provider,
		Retryable:  false,
	}
}

// NewAttachmentFetchError describes a failed attachment fetch. The normalizer
// recovers locally by skipping the attachment; this error is logged, not
// surfaced.
func NewAttachmentFetchError(url, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusUnprocessableEntity,
		Message:    fmt.Sprintf("fetch %s: %s", url, message),
		Type:       TypeAttachmentFetch,
		Retryable:  false,
	}
}

// NewInvalidRequestError creates a caller error (400).
func NewInvalidRequestError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Retryable:  false,
	}
}

// IsRateLimit reports whether err is a rate-limit/quota error.
func IsRateLimit(err error) bool {
	var ge *GatewayError
	return stderrors.As(err, &ge) && ge.Type == TypeRateLimit
}

// IsCredentialsExhausted reports whether err signals an exhausted pool.
func IsCredentialsExhausted(err error) bool {
	var ge *GatewayError
	return stderrors.As(err, &ge) && ge.Type == TypeCredentialsExhausted
}

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool {
	var ge *GatewayError
	return stderrors.As(err, &ge) && ge.Type == TypeTimeout
}
