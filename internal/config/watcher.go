package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// fileStamp identifies one version of the watched file.
type fileStamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and hands every valid new version to a
// callback. Invalid edits are logged and skipped; [Watcher.Current] keeps
// returning the last good config.
//
// Polling (mtime first, then a content hash) keeps the dependency surface
// small and behaves the same on every filesystem.
type Watcher struct {
	path     string
	interval time.Duration
	clock    clockwork.Clock
	env      LookupFunc
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherClock sets the clock that drives polling. Tests pass a
// [clockwork.FakeClock].
func WithWatcherClock(c clockwork.Clock) WatcherOption {
	return func(w *Watcher) {
		w.clock = c
	}
}

// WithEnv re-applies [ApplyEnv] with lookup after every load so that
// environment overrides survive a reload.
func WithEnv(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) {
		w.env = lookup
	}
}

// NewWatcher loads path once and starts polling it. The initial load must
// succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		clock:    clockwork.NewRealClock(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.stamp = stamp

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.Chan():
			w.reload()
		}
	}
}

// reload swaps in the file's current contents when they differ from the
// last accepted version.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.stamp.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, stamp, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if stamp.sum == w.stamp.sum {
		// Touched, not edited.
		w.stamp.mtime = stamp.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.stamp = stamp
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read parses and validates the file, overlaying the environment when
// [WithEnv] was given.
func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}

	var cfg *Config
	if w.env != nil {
		if cfg, err = decode(bytes.NewReader(data)); err == nil {
			cfg, err = mergeEnv(cfg, w.env)
		}
	} else {
		cfg, err = LoadFromReader(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
