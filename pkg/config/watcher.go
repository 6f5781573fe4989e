package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the tunable overlay whenever the config file changes.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	dynamic  *DynamicConfig
	onChange []func(Tunables)
	mu       sync.Mutex
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher loads the overlay at path and starts tracking it. The dynamic
// snapshot is updated in place; register OnChange callbacks for side effects.
func NewWatcher(path string, dynamic *DynamicConfig, logger *zap.Logger) (*Watcher, error) {
	tun, err := loadTunablesFromFile(path, dynamic.Current())
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config overlay: %w", err)
	}
	if err := dynamic.Apply(tun); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}
	// Watch the directory too so atomic saves (write-then-rename) are seen.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		logger.Warn("Failed to watch config directory", zap.Error(err))
	}

	return &Watcher{
		path:    path,
		watcher: fw,
		dynamic: dynamic,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(Tunables)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins watching for configuration changes.
func (w *Watcher) Start() {
	go w.watchLoop()
	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
}

// Stop stops watching for configuration changes.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		w.logger.Info("Configuration watcher stopped")
	})
}

func (w *Watcher) watchLoop() {
	// Debounce so editors that write in multiple chunks trigger one reload.
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	tun, err := loadTunablesFromFile(w.path, w.dynamic.Current())
	if err != nil {
		// Keep the previous snapshot; a broken overlay must not take the
		// repository down.
		w.logger.Error("Config reload failed, keeping previous values",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	if err := w.dynamic.Apply(tun); err != nil {
		w.logger.Error("Config reload rejected", zap.Error(err))
		return
	}

	w.logger.Info("Configuration reloaded",
		zap.Duration("objectTTL", tun.ObjectTTL),
		zap.Duration("listTTL", tun.ListTTL),
		zap.Int("defaultPageSize", tun.DefaultPageSize),
	)

	w.mu.Lock()
	callbacks := append([]func(Tunables){}, w.onChange...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(tun)
	}
}
