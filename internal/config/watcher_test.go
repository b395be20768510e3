package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	clockmock "github.com/MrWong99/parley/pkg/clock/mock"
)

const watcherValidYAML = `
server:
  log_level: info
audio:
  muted: false
`

const watcherUpdatedYAML = `
server:
  log_level: debug
audio:
  muted: true
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// rewrite replaces the file content and bumps its mtime so the change is
// visible regardless of filesystem timestamp granularity.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	writeFile(t, path, content)
	mtime := time.Now().Add(bump)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func newWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, onChange, config.WithWatchClock(clockmock.New(time.Unix(0, 0))))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, nil)
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Audio.BlockSize != config.DefaultBlockSize {
		t.Errorf("defaults not applied: block_size = %d", cfg.Audio.BlockSize)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	w, path := newWatcher(t, watcherValidYAML, func(old, new *config.Config) {
		mu.Lock()
		gotOld, gotNew = old, new
		mu.Unlock()
	})

	rewrite(t, path, watcherUpdatedYAML, time.Minute)
	if !w.Check() {
		t.Fatal("Check did not accept the updated file")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld == nil || gotNew == nil {
		t.Fatal("callback not invoked")
	}
	d := config.Diff(gotOld, gotNew)
	if !d.LogLevelChanged || !d.MutedChanged || !d.Muted {
		t.Errorf("diff = %+v", d)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level = %q, want debug", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()

	calls := 0
	w, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config) { calls++ })

	rewrite(t, path, watcherInvalidYAML, time.Minute)
	if w.Check() {
		t.Error("invalid config accepted")
	}
	if calls != 0 {
		t.Errorf("callback called %d times for invalid config", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()

	calls := 0
	w, path := newWatcher(t, watcherValidYAML, func(_, _ *config.Config) { calls++ })

	rewrite(t, path, watcherValidYAML, time.Minute)
	if w.Check() {
		t.Error("touch without content change reported as a reload")
	}
	if calls != 0 {
		t.Errorf("callback called %d times", calls)
	}
}

func TestWatcher_PollsOnTick(t *testing.T) {
	t.Parallel()

	clk := clockmock.New(time.Unix(0, 0))
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeFile(t, path, watcherValidYAML)

	changed := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(_, new *config.Config) { changed <- new },
		config.WithWatchClock(clk), config.WithInterval(time.Second))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	rewrite(t, path, watcherUpdatedYAML, time.Minute)
	clk.Advance(time.Second)
	select {
	case cfg := <-changed:
		if !cfg.Audio.Muted {
			t.Error("reloaded config not muted")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tick did not trigger a reload")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, nil)
	w.Stop()
	w.Stop()
}
