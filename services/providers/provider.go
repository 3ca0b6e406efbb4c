// Package providers defines the unified adapter contract that hides each
// provider's wire format behind the canonical request/response types.
package providers

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
)

// Adapter translates canonical requests into one provider's wire format
// and normalizes the response and its token accounting back.
type Adapter interface {
	// Name returns the provider name (e.g., "openai", "anthropic", "ollama")
	Name() string

	// Complete sends one generation request and returns the canonical
	// response. apiKey may be empty for providers without authentication.
	Complete(ctx context.Context, model models.ModelMetadata, req *models.ModelRequest, apiKey string) (*models.ModelResponse, error)

	// Probe performs a cheap liveness check against the provider endpoint.
	Probe(ctx context.Context, model models.ModelMetadata, apiKey string) error

	// RequiresAuth reports whether the provider needs an API key.
	RequiresAuth() bool
}

// ProviderError is a classified failure from one provider call.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRateLimitError reports whether the provider rejected the call with a
// rate-limit response.
func IsRateLimitError(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Classify maps a provider failure onto the domain error taxonomy:
// 429 is a rate-limit error, 5xx and transport timeouts are transient,
// other 4xx are permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		switch {
		case provErr.StatusCode == http.StatusTooManyRequests:
			return services.WrapError(services.ErrorTypeRateLimit, provErr.Message, err)
		case provErr.StatusCode >= 500:
			return services.WrapTransient(provErr.Message, err)
		case provErr.StatusCode >= 400:
			return services.WrapPermanent(provErr.Message, err)
		case provErr.Retryable:
			return services.WrapTransient(provErr.Message, err)
		default:
			return services.WrapPermanent(provErr.Message, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.WrapTransient("provider request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.WrapTransient("provider request timed out", err)
	}

	return services.WrapTransient("provider request failed", err)
}
