package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeNoRouteMatched, "router", "no route matches GET /missing")
	assert.Contains(t, err.Error(), "NO_ROUTE_MATCHED")
	assert.Contains(t, err.Error(), "router")

	err = err.WithRequestID("req-123")
	assert.Contains(t, err.Error(), "req-123")
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewErrorWithCause(ErrCodeUpstreamError, "dispatcher", "upstream failed", cause)

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "connection refused", err.Details)
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewUpstreamTimeoutError("users", 2, nil)
	assert.True(t, errors.Is(err, &GatewayError{Code: ErrCodeUpstreamTimeout}))
	assert.False(t, errors.Is(err, &GatewayError{Code: ErrCodeUpstreamError}))
}

func TestHTTPStatusCodes(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeNoRouteMatched:       404,
		ErrCodeInvalidRequest:       400,
		ErrCodeAuthenticationFailed: 401,
		ErrCodeRateLimited:          429,
		ErrCodeServiceUnavailable:   503,
		ErrCodeUpstreamTimeout:      504,
		ErrCodeUpstreamError:        502,
		ErrCodeInternalError:        500,
		ErrCodeConfigLoad:           500,
	}

	for code, want := range cases {
		err := NewError(code, "test", "message")
		assert.Equal(t, want, err.HTTPStatusCode(), "code %s", code)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewUpstreamTimeoutError("users", 1, nil)))
	assert.True(t, IsRetryable(NewUpstreamError("users", 1, nil)))
	assert.True(t, IsRetryable(NewServiceUnavailableError("users")))

	assert.False(t, IsRetryable(NewNoRouteError("GET", "/missing")))
	assert.False(t, IsRetryable(NewRateLimitError("10.0.0.1")))
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
}

func TestHelpersOnWrappedErrors(t *testing.T) {
	inner := NewRateLimitError("10.0.0.1")
	wrapped := fmt.Errorf("handling request: %w", inner)

	assert.True(t, IsGatewayError(wrapped))
	assert.Equal(t, ErrCodeRateLimited, GetErrorCode(wrapped))
	assert.Equal(t, 429, GetHTTPStatusCode(wrapped))
}

func TestHelpersOnPlainErrors(t *testing.T) {
	err := fmt.Errorf("plain error")

	assert.False(t, IsGatewayError(err))
	assert.Equal(t, ErrCodeInternalError, GetErrorCode(err))
	assert.Equal(t, 500, GetHTTPStatusCode(err))
}

func TestWithMetadata(t *testing.T) {
	err := NewError(ErrCodeUpstreamError, "dispatcher", "failed").
		WithMetadata("service", "users").
		WithMetadata("attempts", 3)

	assert.Equal(t, "users", err.Metadata["service"])
	assert.Equal(t, 3, err.Metadata["attempts"])
}
