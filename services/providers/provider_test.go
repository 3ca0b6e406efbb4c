package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
)

type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string       { return s.name }
func (s *stubAdapter) RequiresAuth() bool { return true }

func (s *stubAdapter) Complete(_ context.Context, _ models.ModelMetadata, _ *models.ModelRequest, _ string) (*models.ModelResponse, error) {
	return nil, nil
}

func (s *stubAdapter) Probe(_ context.Context, _ models.ModelMetadata, _ string) error {
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, Classify(nil))
	})

	t.Run("429 is a rate-limit error", func(t *testing.T) {
		err := Classify(NewProviderError("openai", "rate_limited", "slow down", http.StatusTooManyRequests, true, nil))
		assert.Equal(t, services.ErrorTypeRateLimit, services.GetErrorType(err))
	})

	t.Run("5xx is transient", func(t *testing.T) {
		err := Classify(NewProviderError("openai", "server_error", "bad gateway", http.StatusBadGateway, true, nil))
		assert.Equal(t, services.ErrorTypeTransient, services.GetErrorType(err))
	})

	t.Run("other 4xx is permanent", func(t *testing.T) {
		err := Classify(NewProviderError("openai", "invalid_request", "bad prompt", http.StatusBadRequest, false, nil))
		assert.Equal(t, services.ErrorTypePermanent, services.GetErrorType(err))
	})

	t.Run("retryable without a status is transient", func(t *testing.T) {
		err := Classify(NewProviderError("openai", "HTTP_ERROR", "connection reset", 0, true, errors.New("reset")))
		assert.Equal(t, services.ErrorTypeTransient, services.GetErrorType(err))
	})

	t.Run("non-retryable without a status is permanent", func(t *testing.T) {
		err := Classify(NewProviderError("openai", "MARSHAL_ERROR", "bad payload", 0, false, nil))
		assert.Equal(t, services.ErrorTypePermanent, services.GetErrorType(err))
	})

	t.Run("network timeouts are transient", func(t *testing.T) {
		err := Classify(timeoutError{})
		assert.Equal(t, services.ErrorTypeTransient, services.GetErrorType(err))
	})

	t.Run("context deadline is transient", func(t *testing.T) {
		err := Classify(context.DeadlineExceeded)
		assert.Equal(t, services.ErrorTypeTransient, services.GetErrorType(err))
	})

	t.Run("unknown errors default to transient", func(t *testing.T) {
		err := Classify(errors.New("something odd"))
		assert.Equal(t, services.ErrorTypeTransient, services.GetErrorType(err))
	})
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError(NewProviderError("openai", "rate_limited", "slow down", 429, true, nil)))
	assert.False(t, IsRateLimitError(NewProviderError("openai", "server_error", "oops", 500, true, nil)))
	assert.False(t, IsRateLimitError(errors.New("not a provider error")))
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewProviderError("openai", "HTTP_ERROR", "request failed", 0, true, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "root cause")
}

func TestRegistry(t *testing.T) {
	t.Run("round trip by name", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(&stubAdapter{name: "openai"})

		adapter, err := reg.Get("openai")
		require.NoError(t, err)
		assert.Equal(t, "openai", adapter.Name())
	})

	t.Run("unknown provider is a not-found error", func(t *testing.T) {
		reg := NewRegistry()
		_, err := reg.Get("mystery")
		require.Error(t, err)
		assert.Equal(t, services.ErrorTypeNotFound, services.GetErrorType(err))
	})

	t.Run("re-registering replaces", func(t *testing.T) {
		reg := NewRegistry()
		first := &stubAdapter{name: "openai"}
		second := &stubAdapter{name: "openai"}
		reg.Register(first)
		reg.Register(second)

		adapter, err := reg.Get("openai")
		require.NoError(t, err)
		assert.Same(t, second, adapter)
	})

	t.Run("names lists everything registered", func(t *testing.T) {
		reg := NewRegistry()
		reg.Register(&stubAdapter{name: "openai"})
		reg.Register(&stubAdapter{name: "ollama"})
		assert.ElementsMatch(t, []string{"openai", "ollama"}, reg.Names())
	})
}
