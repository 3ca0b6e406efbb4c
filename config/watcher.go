package config

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the configuration file. The active configuration is
// swapped atomically so in-flight requests keep the snapshot they started
// with; an invalid reload is rejected and the previous configuration
// remains active.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	onSwap  func(*Config)
}

// NewWatcher loads the initial configuration and prepares a file watcher.
// onSwap, when non-nil, is invoked with each successfully applied config.
func NewWatcher(path string, logger *zap.Logger, onSwap func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
		onSwap:  onSwap,
	}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the active configuration snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
			// Editors replace files on save; re-arm the watch
			_ = w.watcher.Add(w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

// Reload re-reads the file on demand, returning whether the new
// configuration was applied.
func (w *Watcher) Reload() bool {
	return w.reload()
}

func (w *Watcher) reload() bool {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err))
		return false
	}

	w.current.Store(cfg)
	w.logger.Info("configuration reloaded",
		zap.String("path", w.path),
		zap.Int("models", len(cfg.Models)))

	if w.onSwap != nil {
		w.onSwap(cfg)
	}
	return true
}
