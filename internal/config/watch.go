package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// applyReloadable copies the only settings a hot-reload is allowed to
// change (SPEC_FULL.md §4.10): never the store DSN or instanceUuid,
// since both are load-bearing for in-flight work.
func applyReloadable(dst *Config, src *Config) {
	dst.CORSAllowOrigins = src.CORSAllowOrigins
	dst.ServerName = src.ServerName
	dst.AdminPublicKey = src.AdminPublicKey
	dst.DefaultConcurrency = src.DefaultConcurrency
}

// Watcher hot-reloads the subset of Config that's safe to change
// without a restart, watching the backing YAML file with fsnotify.
type Watcher struct {
	path   string
	mu     sync.RWMutex
	cfg    *Config
	logger *slog.Logger
	watch  *fsnotify.Watcher
}

// WatchFile loads path and returns a Watcher that keeps the in-memory
// Config's reloadable fields current as the file changes on disk. The
// caller owns the returned Watcher's lifetime and must call Close.
func WatchFile(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := FromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	w := &Watcher{path: path, cfg: cfg, logger: logger}
	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w.watch = fw
	go w.loop()
	return w, nil
}

// Current returns a snapshot of the live config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cfg := *w.cfg
	return &cfg
}

// Close stops the watch goroutine.
func (w *Watcher) Close() error {
	if w.watch == nil {
		return nil
	}
	return w.watch.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watch.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watch.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := FromFile(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous values", "path", w.path, "error", err)
		return
	}
	next.ApplyEnv()

	w.mu.Lock()
	applyReloadable(w.cfg, next)
	w.mu.Unlock()
	w.logger.Info("config reloaded", "path", w.path)
}
