package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Call path errors
	ErrCodeTransientNetwork      ErrorCode = "TRANSIENT_NETWORK_ERROR"
	ErrCodeProviderUnavailable   ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderRequestFailed ErrorCode = "PROVIDER_REQUEST_FAILED"
	ErrCodeCircuitOpen           ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRateLimitExceeded     ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeRequestTimeout        ErrorCode = "REQUEST_TIMEOUT"

	// Budget errors
	ErrCodeBudgetExceeded       ErrorCode = "BUDGET_EXCEEDED"
	ErrCodeNoAffordableProvider ErrorCode = "NO_AFFORDABLE_PROVIDER"

	// Routing and fallback errors
	ErrCodeNoHealthyProvider       ErrorCode = "NO_HEALTHY_PROVIDER"
	ErrCodeFallbackExhausted       ErrorCode = "FALLBACK_EXHAUSTED"
	ErrCodeManualOperationRequired ErrorCode = "MANUAL_OPERATION_REQUIRED"
	ErrCodeStrategyNotFound        ErrorCode = "STRATEGY_NOT_FOUND"

	// Internal errors
	ErrCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	ErrCodeStateStoreFailure    ErrorCode = "STATE_STORE_FAILURE"
	ErrCodeInternalError        ErrorCode = "INTERNAL_ERROR"
)

// ResilienceError represents a structured error with context
type ResilienceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	RequestID  string                 `json:"request_id,omitempty"`
	Component  string                 `json:"component,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *ResilienceError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("[%s][%s] %s: %s", e.RequestID, e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *ResilienceError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *ResilienceError) Is(target error) bool {
	if t, ok := target.(*ResilienceError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *ResilienceError) WithMetadata(key string, value interface{}) *ResilienceError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithRequestID adds request ID to the error
func (e *ResilienceError) WithRequestID(requestID string) *ResilienceError {
	e.RequestID = requestID
	return e
}

// WithStackTrace adds stack trace to the error
func (e *ResilienceError) WithStackTrace() *ResilienceError {
	e.StackTrace = getStackTrace()
	return e
}

// IsRetryable returns true if the Call Gate may retry the failed attempt locally.
// Only transient network failures and retryable provider statuses qualify.
func (e *ResilienceError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransientNetwork, ErrCodeRequestTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *ResilienceError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidConfiguration:
		return 400
	case ErrCodeStrategyNotFound:
		return 404
	case ErrCodeRateLimitExceeded:
		return 429
	case ErrCodeBudgetExceeded, ErrCodeNoAffordableProvider:
		return 402
	case ErrCodeProviderRequestFailed:
		return 502
	case ErrCodeCircuitOpen, ErrCodeProviderUnavailable, ErrCodeNoHealthyProvider,
		ErrCodeFallbackExhausted, ErrCodeManualOperationRequired:
		return 503
	case ErrCodeRequestTimeout, ErrCodeTransientNetwork:
		return 504
	default:
		return 500
	}
}

// NewError creates a new ResilienceError
func NewError(code ErrorCode, component, message string) *ResilienceError {
	return &ResilienceError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new ResilienceError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *ResilienceError {
	e := NewError(code, component, message)
	if cause != nil {
		e.Cause = cause
		e.Details = cause.Error()
	}
	return e
}

// WrapError wraps an existing error with ResilienceError structure
func WrapError(err error, code ErrorCode, component, message string) *ResilienceError {
	if err == nil {
		return nil
	}
	return NewErrorWithCause(code, component, message, err)
}

// Taxonomy constructors

// NewTransientNetworkError marks a failed attempt the gate may retry
func NewTransientNetworkError(service string, cause error) *ResilienceError {
	return NewErrorWithCause(
		ErrCodeTransientNetwork,
		"call_gate",
		fmt.Sprintf("Transient failure calling %s", service),
		cause,
	).WithMetadata("service", service)
}

// NewProviderRequestError reports a non-retryable provider response
func NewProviderRequestError(service string, status int) *ResilienceError {
	return NewError(
		ErrCodeProviderRequestFailed,
		"call_gate",
		fmt.Sprintf("Provider %s rejected the request with status %d", service, status),
	).WithMetadata("service", service).WithMetadata("status", status)
}

// NewRetryableStatusError reports a provider status the gate treats as transient
func NewRetryableStatusError(service string, status int) *ResilienceError {
	return NewError(
		ErrCodeTransientNetwork,
		"call_gate",
		fmt.Sprintf("Provider %s responded with retryable status %d", service, status),
	).WithMetadata("service", service).WithMetadata("status", status)
}

// NewTimeoutError creates an error for an attempt that exceeded its deadline
func NewTimeoutError(service string, timeout time.Duration, cause error) *ResilienceError {
	return NewErrorWithCause(
		ErrCodeRequestTimeout,
		"call_gate",
		fmt.Sprintf("Call to %s exceeded %s", service, timeout),
		cause,
	).WithMetadata("service", service).WithMetadata("timeout_ms", timeout.Milliseconds())
}

// NewProviderUnavailableError creates an error for a provider that must be skipped
func NewProviderUnavailableError(provider string, reason string) *ResilienceError {
	return NewError(
		ErrCodeProviderUnavailable,
		"health_registry",
		fmt.Sprintf("Provider %s is unavailable: %s", provider, reason),
	).WithMetadata("provider", provider)
}

// NewCircuitOpenError creates a circuit breaker error
func NewCircuitOpenError(service string, nextRetry time.Time) *ResilienceError {
	return NewError(
		ErrCodeCircuitOpen,
		"circuit_breaker",
		fmt.Sprintf("Circuit breaker is open for service %s", service),
	).WithMetadata("service", service).WithMetadata("next_retry_time", nextRetry)
}

// NewRateLimitError creates an error for rate limiting
func NewRateLimitError(service string, limit int, retryAfter time.Duration) *ResilienceError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"rate_limiter",
		fmt.Sprintf("Rate limit exceeded for service %s (limit: %d)", service, limit),
	).WithMetadata("service", service).
		WithMetadata("limit", limit).
		WithMetadata("retry_after_ms", retryAfter.Milliseconds())
}

// NewBudgetExceededError creates an error when a spend would exceed the allocation
func NewBudgetExceededError(service string, utilization float64) *ResilienceError {
	return NewError(
		ErrCodeBudgetExceeded,
		"budget_governor",
		fmt.Sprintf("Budget exceeded for service %s (%.1f%% utilized)", service, utilization),
	).WithMetadata("service", service).WithMetadata("utilization", utilization)
}

// NewNoAffordableProviderError creates an error when the governor finds no candidate
func NewNoAffordableProviderError(service, tier string) *ResilienceError {
	return NewError(
		ErrCodeNoAffordableProvider,
		"budget_governor",
		fmt.Sprintf("No affordable provider for service %s in tier %s", service, tier),
	).WithMetadata("service", service).WithMetadata("tier", tier)
}

// NewNoHealthyProviderError creates an error when no node passes the registry filters
func NewNoHealthyProviderError(service string, considered int) *ResilienceError {
	return NewError(
		ErrCodeNoHealthyProvider,
		"traffic_router",
		fmt.Sprintf("No healthy provider node available for service %s", service),
	).WithMetadata("service", service).WithMetadata("considered_nodes", considered)
}

// NewFallbackExhaustedError creates the terminal error once every fallback failed
func NewFallbackExhaustedError(service string, attempted []string, cause error) *ResilienceError {
	return NewErrorWithCause(
		ErrCodeFallbackExhausted,
		"fallback_engine",
		fmt.Sprintf("All fallback strategies failed for service %s", service),
		cause,
	).WithMetadata("service", service).WithMetadata("strategies_attempted", attempted)
}

// NewManualOperationError signals that operators must take over
func NewManualOperationError(service, instructions string, escalation []string) *ResilienceError {
	return NewError(
		ErrCodeManualOperationRequired,
		"fallback_engine",
		fmt.Sprintf("Service %s switched to manual operation", service),
	).WithMetadata("service", service).
		WithMetadata("instructions", instructions).
		WithMetadata("escalation_path", escalation)
}

// NewStrategyNotFoundError creates an error for a service without a fallback strategy
func NewStrategyNotFoundError(service string) *ResilienceError {
	return NewError(
		ErrCodeStrategyNotFound,
		"fallback_engine",
		fmt.Sprintf("No fallback strategy registered for service %s", service),
	).WithMetadata("service", service)
}

// NewInvalidConfigurationError creates a validation error
func NewInvalidConfigurationError(component, message string) *ResilienceError {
	return NewError(ErrCodeInvalidConfiguration, component, message)
}

// NewStateStoreError wraps a shared state backend failure
func NewStateStoreError(operation string, cause error) *ResilienceError {
	return NewErrorWithCause(
		ErrCodeStateStoreFailure,
		"state_store",
		fmt.Sprintf("State store %s failed", operation),
		cause,
	).WithMetadata("operation", operation)
}

// Helper functions

// getStackTrace captures the current stack trace
func getStackTrace() string {
	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// IsResilienceError checks if an error is a ResilienceError
func IsResilienceError(err error) bool {
	var rErr *ResilienceError
	return errors.As(err, &rErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var rErr *ResilienceError
	if errors.As(err, &rErr) {
		return rErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	return err != nil && errors.Is(err, &ResilienceError{Code: code})
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var rErr *ResilienceError
	if errors.As(err, &rErr) {
		return rErr.IsRetryable()
	}
	return false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var rErr *ResilienceError
	if errors.As(err, &rErr) {
		return rErr.HTTPStatusCode()
	}
	return 500
}
