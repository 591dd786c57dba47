package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/coachd/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
coaching:
  delivery_mode: realtime
`

const watcherUpdatedYAML = `
server:
  log_level: debug
coaching:
  delivery_mode: pull
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

type change struct{ old, new *config.Config }

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

// startWatcher creates a watcher on a fake clock and waits until its poll
// loop has registered the ticker.
func startWatcher(t *testing.T, content string, opts ...config.WatcherOption) (*config.Watcher, *clockwork.FakeClock, string, chan change) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, content, time.Now().Add(-time.Hour))

	clock := clockwork.NewFakeClock()
	changes := make(chan change, 4)
	opts = append([]config.WatcherOption{config.WithInterval(time.Second), config.WithWatcherClock(clock)}, opts...)
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		changes <- change{old, new}
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("poll loop never started: %v", err)
	}
	return w, clock, cfgPath, changes
}

func awaitChange(t *testing.T, changes <-chan change) change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
		return change{}
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _, _, _ := startWatcher(t, watcherValidYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("defaults not applied: listen_addr = %q", cfg.Server.ListenAddr)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	w, clock, cfgPath, changes := startWatcher(t, watcherValidYAML)

	writeFile(t, cfgPath, watcherUpdatedYAML, time.Now())
	clock.Advance(time.Second)

	c := awaitChange(t, changes)
	if c.old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level: got %q, want %q", c.old.Server.LogLevel, config.LogInfo)
	}
	if c.new.Server.LogLevel != config.LogDebug || c.new.Coaching.DeliveryMode != "pull" {
		t.Errorf("new config: %+v", c.new.Server)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	w, clock, cfgPath, changes := startWatcher(t, watcherValidYAML)

	writeFile(t, cfgPath, watcherInvalidYAML, time.Now().Add(-time.Minute))
	clock.Advance(time.Second)

	writeFile(t, cfgPath, watcherUpdatedYAML, time.Now())
	clock.Advance(time.Second)

	// The only callback is the valid update, and it still sees the initial
	// config as old.
	c := awaitChange(t, changes)
	if c.old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level = %q, the invalid file must not have been applied", c.old.Server.LogLevel)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() = %q, want debug", w.Current().Server.LogLevel)
	}
	select {
	case extra := <-changes:
		t.Errorf("unexpected extra callback: %+v", extra.new.Server)
	default:
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	_, clock, cfgPath, changes := startWatcher(t, watcherValidYAML)

	writeFile(t, cfgPath, watcherValidYAML, time.Now().Add(-time.Minute))
	clock.Advance(time.Second)
	writeFile(t, cfgPath, watcherUpdatedYAML, time.Now())
	clock.Advance(time.Second)

	c := awaitChange(t, changes)
	if c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("first callback should be the real change, got %q", c.new.Server.LogLevel)
	}
}

func TestWatcher_EnvSurvivesReload(t *testing.T) {
	t.Parallel()
	env := func(key string) (string, bool) {
		if key == "COACHD_LISTEN_ADDR" {
			return "127.0.0.1:9999", true
		}
		return "", false
	}
	w, clock, cfgPath, changes := startWatcher(t, watcherValidYAML, config.WithEnv(env))
	if got := w.Current().Server.ListenAddr; got != "127.0.0.1:9999" {
		t.Fatalf("initial listen_addr = %q", got)
	}

	writeFile(t, cfgPath, watcherUpdatedYAML, time.Now())
	clock.Advance(time.Second)
	if c := awaitChange(t, changes); c.new.Server.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("reloaded listen_addr = %q", c.new.Server.ListenAddr)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher("/nonexistent/path.yaml", nil)
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _, _, _ := startWatcher(t, watcherValidYAML)

	// Multiple stops should not panic.
	w.Stop()
	w.Stop()
}
