package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcher(t *testing.T) {
	t.Run("loads the initial configuration", func(t *testing.T) {
		w, err := NewWatcher(writeConfig(t, validYAML), zap.NewNop(), nil)
		require.NoError(t, err)
		defer w.watcher.Close()

		cfg := w.Current()
		require.NotNil(t, cfg)
		assert.Len(t, cfg.Models, 2)
	})

	t.Run("rejects a path that fails to load", func(t *testing.T) {
		_, err := NewWatcher(writeConfig(t, "models: []"), zap.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("reload swaps the snapshot and notifies", func(t *testing.T) {
		path := writeConfig(t, validYAML)

		var swapped *Config
		w, err := NewWatcher(path, zap.NewNop(), func(cfg *Config) { swapped = cfg })
		require.NoError(t, err)
		defer w.watcher.Close()

		before := w.Current()

		updated := validYAML + `
  - id: claude-sonnet
    provider: anthropic
    capabilities: [text-generation]
    rate_limits:
      requests_per_window: 30
    enabled: true
`
		require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
		require.True(t, w.Reload())

		after := w.Current()
		assert.NotSame(t, before, after)
		assert.Len(t, after.Models, 3)
		require.NotNil(t, swapped)
		assert.Same(t, after, swapped)
	})

	t.Run("invalid reload keeps the previous snapshot", func(t *testing.T) {
		path := writeConfig(t, validYAML)
		w, err := NewWatcher(path, zap.NewNop(), nil)
		require.NoError(t, err)
		defer w.watcher.Close()

		before := w.Current()
		require.NoError(t, os.WriteFile(path, []byte("models: [broken"), 0o600))

		assert.False(t, w.Reload())
		assert.Same(t, before, w.Current())
	})
}
