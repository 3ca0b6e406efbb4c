package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-model-router/services"
)

func TestNew(t *testing.T) {
	logger := zap.NewNop()

	t.Run("loads primary and numbered keys", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-one")
		t.Setenv("OPENAI_API_KEY_2", "sk-two")
		t.Setenv("OPENAI_API_KEY_3", "sk-three")

		svc := New([]string{"openai"}, logger)
		assert.Equal(t, 3, svc.KeyCount("openai"))
	})

	t.Run("provider without keys gets a warning, not an error", func(t *testing.T) {
		svc := New([]string{"definitely-unset-provider"}, logger)
		assert.Equal(t, 0, svc.KeyCount("definitely-unset-provider"))
	})

	t.Run("dashes in provider names map to underscores", func(t *testing.T) {
		t.Setenv("MY_PROVIDER_API_KEY", "k")
		svc := New([]string{"my-provider"}, logger)
		assert.Equal(t, 1, svc.KeyCount("my-provider"))
	})
}

func TestGetKey(t *testing.T) {
	logger := zap.NewNop()

	t.Run("rotates round-robin across keys", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-one")
		t.Setenv("OPENAI_API_KEY_2", "sk-two")

		svc := New([]string{"openai"}, logger)

		k1, err := svc.GetKey("openai")
		require.NoError(t, err)
		k2, err := svc.GetKey("openai")
		require.NoError(t, err)
		k3, err := svc.GetKey("openai")
		require.NoError(t, err)

		assert.Equal(t, "sk-one", k1)
		assert.Equal(t, "sk-two", k2)
		assert.Equal(t, "sk-one", k3)
	})

	t.Run("missing credentials is a typed error", func(t *testing.T) {
		svc := New(nil, logger)

		_, err := svc.GetKey("anthropic")
		require.Error(t, err)
		assert.Equal(t, services.ErrorTypeCredentials, services.GetErrorType(err))
		assert.Equal(t, "anthropic", services.GetErrorDetails(err)["provider"])
	})
}

func TestAddKey(t *testing.T) {
	svc := New(nil, zap.NewNop())

	svc.AddKey("openai", "sk-added")
	assert.True(t, svc.HasCredentials("openai"))

	k, err := svc.GetKey("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-added", k)
}

func TestValidate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-one")

	svc := New([]string{"openai", "anthropic"}, zap.NewNop())
	status := svc.Validate([]string{"openai", "anthropic"})

	assert.True(t, status["openai"])
	assert.False(t, status["anthropic"])
}
