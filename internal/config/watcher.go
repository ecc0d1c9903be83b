package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reloads the configuration when files in the loader's directory change and
// notifies the registered callbacks with the new configuration.
type Watcher struct {
	loader    *Loader
	logger    *zap.Logger
	debounce  time.Duration
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewWatcher creates a watcher seeded with the initial configuration.
func NewWatcher(loader *Loader, initial *Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		loader:   loader,
		logger:   logger,
		debounce: debounceDelay,
		config:   initial,
	}
}

// Current returns the latest successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers a callback to be called when configuration changes.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Run watches the configuration directory until ctx is done. Outside development it
// returns immediately.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.Current().IsDevelopment() {
		w.logger.Info("Configuration hot reloading disabled",
			zap.String("environment", string(w.Current().Environment)),
		)
		return nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(w.loader.BasePath()); err != nil {
		w.logger.Warn("Configuration directory not watched",
			zap.String("path", w.loader.BasePath()),
			zap.Error(err),
		)
		return nil
	}
	w.logger.Info("Configuration hot reloading enabled", zap.String("path", w.loader.BasePath()))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isConfigFile(event.Name) {
				continue
			}
			w.logger.Debug("Configuration file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()),
			)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.Reload)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-ctx.Done():
			w.logger.Info("Stopping configuration watcher")
			return nil
		}
	}
}

// Reload loads the configuration again and notifies callbacks when it changed. An
// invalid configuration is logged and the previous one is kept.
func (w *Watcher) Reload() {
	next, err := w.loader.Load()
	if err != nil {
		w.logger.Error("Invalid configuration after reload, keeping the previous one", zap.Error(err))
		return
	}

	w.mu.Lock()
	if reflect.DeepEqual(w.config.Engine, next.Engine) &&
		reflect.DeepEqual(w.config.Logging, next.Logging) &&
		reflect.DeepEqual(w.config.Store, next.Store) {
		w.mu.Unlock()
		w.logger.Debug("Configuration unchanged after reload")
		return
	}
	w.config = next
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	for _, callback := range callbacks {
		callback(next)
	}
	w.logger.Info("Configuration reloaded",
		zap.Strings("sources", next.LoadedFrom),
		zap.Int("callbacks_notified", len(callbacks)),
	)
}

func isConfigFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
