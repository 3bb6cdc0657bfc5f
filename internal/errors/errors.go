package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Routing and dispatch errors
	ErrCodeNoRouteMatched     ErrorCode = "NO_ROUTE_MATCHED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCodeUpstreamError      ErrorCode = "UPSTREAM_ERROR"

	// Admission errors
	ErrCodeRateLimited          ErrorCode = "RATE_LIMITED"
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"

	// Infrastructure errors
	ErrCodeConfigLoad     ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// GatewayError represents a structured error with context
type GatewayError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"` // Original error
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("[%s][%s] %s: %s", e.RequestID, e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *GatewayError) Is(target error) bool {
	if t, ok := target.(*GatewayError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *GatewayError) WithMetadata(key string, value interface{}) *GatewayError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithRequestID adds request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	e.RequestID = requestID
	return e
}

// IsRetryable returns true if the error might be resolved by retrying
// against another instance.
func (e *GatewayError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeUpstreamTimeout, ErrCodeUpstreamError, ErrCodeServiceUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeNoRouteMatched:
		return 404
	case ErrCodeInvalidRequest:
		return 400
	case ErrCodeAuthenticationFailed:
		return 401
	case ErrCodeRateLimited:
		return 429
	case ErrCodeServiceUnavailable:
		return 503
	case ErrCodeUpstreamTimeout:
		return 504
	case ErrCodeUpstreamError:
		return 502
	default:
		return 500
	}
}

// NewError creates a new GatewayError
func NewError(code ErrorCode, component, message string) *GatewayError {
	return &GatewayError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new GatewayError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *GatewayError {
	e := &GatewayError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// Common error constructors

// NewNoRouteError creates an error for a request no route rule matches
func NewNoRouteError(method, path string) *GatewayError {
	return NewError(
		ErrCodeNoRouteMatched,
		"router",
		fmt.Sprintf("no route matches %s %s", method, path),
	).WithMetadata("method", method).WithMetadata("path", path)
}

// NewServiceUnavailableError creates an error for a service with no
// selectable instance
func NewServiceUnavailableError(service string) *GatewayError {
	return NewError(
		ErrCodeServiceUnavailable,
		"dispatcher",
		fmt.Sprintf("no healthy instance available for service %s", service),
	).WithMetadata("service", service)
}

// NewUpstreamTimeoutError creates an error for an upstream call that ran out
// of retry budget on timeouts
func NewUpstreamTimeoutError(service string, attempts int, cause error) *GatewayError {
	return NewErrorWithCause(
		ErrCodeUpstreamTimeout,
		"dispatcher",
		fmt.Sprintf("upstream call to service %s timed out after %d attempts", service, attempts),
		cause,
	).WithMetadata("service", service).WithMetadata("attempts", attempts)
}

// NewUpstreamError creates an error for an upstream call that failed after
// retries were exhausted
func NewUpstreamError(service string, attempts int, cause error) *GatewayError {
	return NewErrorWithCause(
		ErrCodeUpstreamError,
		"dispatcher",
		fmt.Sprintf("upstream call to service %s failed after %d attempts", service, attempts),
		cause,
	).WithMetadata("service", service).WithMetadata("attempts", attempts)
}

// NewRateLimitError creates an error for an admission-controlled client
func NewRateLimitError(client string) *GatewayError {
	return NewError(
		ErrCodeRateLimited,
		"rate_limiter",
		fmt.Sprintf("rate limit exceeded for client %s", client),
	).WithMetadata("client", client)
}

// NewAuthenticationError creates an authentication error
func NewAuthenticationError(reason string) *GatewayError {
	return NewError(
		ErrCodeAuthenticationFailed,
		"auth",
		fmt.Sprintf("authentication failed: %s", reason),
	)
}

// Helper functions

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ErrCodeInternalError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.IsRetryable()
	}
	return false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.HTTPStatusCode()
	}
	return 500
}
