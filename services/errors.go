package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeTransient     ErrorType = "transient"
	ErrorTypeRateLimit     ErrorType = "rate_limit"
	ErrorTypePermanent     ErrorType = "permanent"
	ErrorTypeExhausted     ErrorType = "exhausted"
	ErrorTypeDegraded      ErrorType = "degraded_dependency"
	ErrorTypeUnavailable   ErrorType = "unavailable"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeCredentials   ErrorType = "no_credentials"
	ErrorTypeBudget        ErrorType = "budget"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeQueueFull     ErrorType = "queue_full"
	ErrorTypeDeadline      ErrorType = "deadline_exceeded"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Catalog and lookup errors
	ErrModelNotFound    = NewDomainError(ErrorTypeNotFound, "model not found in registry", nil)
	ErrProviderNotFound = NewDomainError(ErrorTypeNotFound, "no adapter registered for provider", nil)
	ErrNoAvailableModel = NewDomainError(ErrorTypeUnavailable, "no model satisfies the request constraints", nil)

	// Validation errors
	ErrInvalidModel   = NewDomainError(ErrorTypeValidation, "invalid model metadata", nil)
	ErrInvalidRequest = NewDomainError(ErrorTypeValidation, "invalid model request", nil)
	ErrInvalidConfig  = NewDomainError(ErrorTypeValidation, "invalid configuration", nil)

	// Credentials
	ErrNoCredentials = NewDomainError(ErrorTypeCredentials, "no API key configured for provider", nil)

	// Dispatch errors
	ErrRateLimited       = NewDomainError(ErrorTypeRateLimit, "model is at its rate limit", nil)
	ErrModelUnavailable  = NewDomainError(ErrorTypeUnavailable, "model is unavailable", nil)
	ErrProviderTransient = NewDomainError(ErrorTypeTransient, "transient provider error", nil)
	ErrProviderPermanent = NewDomainError(ErrorTypePermanent, "permanent provider error", nil)
	ErrQueueFull         = NewDomainError(ErrorTypeQueueFull, "provider concurrency queue is full", nil)
	ErrDeadlineExceeded  = NewDomainError(ErrorTypeDeadline, "request deadline exceeded", nil)

	// Terminal errors
	ErrAllModelsFailed = NewDomainError(ErrorTypeExhausted, "all candidate models failed", nil)
	ErrBudgetExceeded  = NewDomainError(ErrorTypeBudget, "budget ceiling exceeded", nil)

	// Degraded dependencies
	ErrStoreUnavailable = NewDomainError(ErrorTypeDegraded, "persistent store unavailable", nil)
	ErrCacheUnavailable = NewDomainError(ErrorTypeDegraded, "cache store unavailable", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal error", nil)
)

// IsTransientError checks if an error is a transient provider error
func IsTransientError(err error) bool {
	return GetErrorType(err) == ErrorTypeTransient
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// IsPermanentError checks if an error is a permanent client-side error
func IsPermanentError(err error) bool {
	return GetErrorType(err) == ErrorTypePermanent
}

// IsUnavailableError checks if an error signals an unavailable model
func IsUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnavailable
}

// IsExhaustedError checks if an error is a candidate-exhaustion error
func IsExhaustedError(err error) bool {
	return GetErrorType(err) == ErrorTypeExhausted
}

// IsDeadlineError checks if an error is a deadline-exceeded error
func IsDeadlineError(err error) bool {
	return GetErrorType(err) == ErrorTypeDeadline
}

// IsRetryable reports whether a failed attempt may be retried against the
// same model. Rate-limit and permanent errors never are.
func IsRetryable(err error) bool {
	switch GetErrorType(err) {
	case ErrorTypeTransient, ErrorTypeUnavailable:
		return true
	default:
		return false
	}
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapTransient wraps an error as a transient provider error
func WrapTransient(message string, err error) error {
	return NewDomainError(ErrorTypeTransient, message, err)
}

// WrapPermanent wraps an error as a permanent provider error
func WrapPermanent(message string, err error) error {
	return NewDomainError(ErrorTypePermanent, message, err)
}
