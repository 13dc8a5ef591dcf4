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

// Watcher polls the config file and invokes a callback when its content
// changes and still parses to a valid Config. An invalid edit is logged and
// ignored; the previous config stays live until the file is fixed. Polling
// keeps the reload path free of platform notify quirks.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	digest  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the 5s polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it for edits in a
// background goroutine. onChange runs outside the watcher's lock, with the
// config the edit replaced and the one it produced.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default().With("component", "config_watcher", "path", path),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, digest, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	w.current = cfg
	w.digest = digest
	w.mtime = mtime

	go w.run()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) run() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			w.reload()
		}
	}
}

// reload re-reads the file when its mtime moved, swaps in the new config
// when the content actually differs, and fires the callback.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config file unreadable", "error", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, digest, mtime, err := w.read()
	if err != nil {
		w.log.Warn("rejecting config edit, keeping previous", "error", err)
		return
	}

	w.mu.Lock()
	if digest == w.digest {
		// Touched but identical, remember the new mtime only.
		w.mtime = mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.digest = digest
	w.mtime = mtime
	w.mu.Unlock()

	w.log.Info("config reloaded")
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read parses and validates the file, returning the config with the raw
// bytes' SHA-256 and the file's mtime for change detection.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
