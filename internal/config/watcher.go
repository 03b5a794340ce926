package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last write before
// reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a config file when it changes.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config, error)
	logger   *slog.Logger
	current  *Config
	mu       sync.RWMutex
	reloads  atomic.Uint32
}

// NewWatcher loads path and returns a watcher holding the result. Call Run
// to start watching. onReload receives every reload result; a failed reload
// keeps the previous snapshot.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger, onReload func(*Config, error)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load initial config: %w", err)
	}
	if cfg.File == "" {
		return nil, errors.New("no config file to watch")
	}
	return &Watcher{
		path:     cfg.File,
		debounce: debounce,
		onReload: onReload,
		logger:   logger,
		current:  cfg,
	}, nil
}

// Run watches the file until ctx is done. The parent directory is watched so
// that editors which replace the file by renaming are noticed. onReload is
// called from Run's goroutine, so reloads never overlap.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	name := filepath.Clean(w.path)

	// Debounce timers only signal; reloads run on this goroutine one at a
	// time.
	due := make(chan struct{}, 1)
	notify := func() {
		select {
		case due <- struct{}{}:
		default:
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, notify)
		case <-due:
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	count := w.reloads.Add(1)
	w.logger.Info("reloading config", "path", w.path, "count", count)

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "err", err)
		w.onReload(nil, err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded", "count", count)
	w.onReload(cfg, nil)
}

// Snapshot returns the latest successfully loaded config.
func (w *Watcher) Snapshot() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// ReloadCount returns how many reloads were attempted.
func (w *Watcher) ReloadCount() uint32 {
	return w.reloads.Load()
}
