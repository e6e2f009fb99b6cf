package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// Watcher polls the config file and reports validated changes through a
// callback. An update that fails to parse or validate is logged and skipped;
// the previously loaded config stays current. Change detection is two-stage:
// a cheap mtime comparison first, then a content hash so touched-but-unchanged
// files never fire the callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, next *Config)

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it for changes in a
// background goroutine. The initial load must succeed; later failures only
// log.
func NewWatcher(path string, onChange func(old, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, sum, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.sum = sum
	w.modTime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its mtime moved and its content actually
// differs, then hands the old and new configs to the callback.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, sum, mtime, err := w.read()
	if err != nil {
		slog.Warn("config change rejected, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	if sum == w.sum {
		// Touched but identical.
		w.modTime = mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.sum = sum
	w.modTime = mtime
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads, parses and validates the file, returning the config together
// with the content hash and mtime used for change detection.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var sum [sha256.Size]byte

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, sum, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, sum, time.Time{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, sum, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
