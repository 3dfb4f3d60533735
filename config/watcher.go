package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce collapses editor write bursts into one reload.
const defaultDebounce = 500 * time.Millisecond

// ReloadFunc is invoked with the freshly loaded config after a file change.
type ReloadFunc func(*Config)

// Watcher reloads configuration when the watched config file changes.
// Trigger phrases and workflow thresholds can be tuned without a restart.
type Watcher struct {
	path     string
	loader   *Loader
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onReload ReloadFunc
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, loader *Loader, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:     path,
		loader:   loader,
		watcher:  fsw,
		logger:   logger,
		onReload: onReload,
		debounce: defaultDebounce,
	}, nil
}

// Start begins watching the config file's directory.
// Watching the directory instead of the file survives atomic rename saves.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started", slog.String("path", w.path))
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				dirty = true
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	config, err := w.loader.Load()
	if err != nil {
		// Keep running on the previous config; a half-saved file should
		// never take the service down.
		w.logger.Warn("Config reload failed, keeping previous config",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}

	w.logger.Info("Config reloaded", slog.String("path", w.path))
	if w.onReload != nil {
		w.onReload(config)
	}
}
