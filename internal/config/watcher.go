package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config file and a set of scenario files, reloading the
// config when it changes and reporting every change to onChange.
type Watcher struct {
	path     string
	files    map[string]bool
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(cfg *Config, changed string)
	done     chan struct{}
	stopped  chan struct{}
	logger   *slog.Logger
}

// NewWatcher creates a watcher for the config at path (may be empty) and the
// given scenario files.
func NewWatcher(path string, scenarios []string, onChange func(cfg *Config, changed string)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     cleanPath(path),
		files:    make(map[string]bool),
		config:   cfg,
		watcher:  fsWatcher,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   slog.Default().With(slog.String("component", "watcher")),
	}

	watched := append([]string{path}, scenarios...)
	dirs := make(map[string]bool)
	for _, f := range watched {
		if f == "" {
			continue
		}
		w.files[cleanPath(f)] = true
		dirs[filepath.Dir(cleanPath(f))] = true
	}

	// Watch directories, not files, so editors that replace files are seen.
	for dir := range dirs {
		if err := fsWatcher.Add(dir); err != nil {
			fsWatcher.Close()
			return nil, err
		}
	}

	go w.watch()

	return w, nil
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w *Watcher) watch() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			name := cleanPath(event.Name)
			if !w.files[name] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if name == w.path && !w.reload() {
				continue
			}
			if w.onChange != nil {
				w.onChange(w.Config(), name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload reloads the config from disk and reports whether it was accepted.
func (w *Watcher) reload() bool {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("failed to reload config",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := cfg.Validate(); err != nil {
		w.logger.Error("invalid config after reload",
			slog.String("error", err.Error()),
		)
		return false
	}

	w.mu.Lock()
	w.config = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded", slog.String("path", w.path))
	return true
}

// Close stops watching and waits for the watch loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}
