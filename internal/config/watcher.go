package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts of editor writes into one reload.
const DefaultDebounce = time.Second

// Watcher reloads the configuration file when it changes on disk and hands
// the validated result to registered callbacks. Invalid edits are logged and
// the previous configuration stays in effect.
type Watcher struct {
	logger    *zap.Logger
	path      string
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	load      func(string) (*Config, error)
	mu        sync.Mutex
	callbacks []func(*Config)
	timer     *time.Timer
}

// NewWatcher creates a watcher for configPath.
func NewWatcher(logger *zap.Logger, configPath string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		logger:   logger,
		path:     filepath.Clean(configPath),
		watcher:  fw,
		debounce: DefaultDebounce,
		load:     Load,
	}, nil
}

// OnChange registers a callback for successfully reloaded configurations.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// SetDebounce sets the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Run watches until ctx is cancelled. The parent directory is watched so
// that atomic rename-into-place saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Info("Configuration watcher started", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			w.logger.Info("Configuration watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				w.logger.Debug("Config file modified", zap.String("op", event.Op.String()))
				w.scheduleReload()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.logger.Warn("Config file moved away, keeping current configuration",
					zap.String("path", event.Name))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.load(w.path)
	if err != nil {
		w.logger.Error("Rejected configuration change", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Reloading configuration", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}
