package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appvol/internal/audio"
	"appvol/internal/poller"
	"appvol/internal/soundserver"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type reloads struct {
	mu   sync.Mutex
	cfgs []Config
}

func (r *reloads) add(c Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfgs = append(r.cfgs, c)
}

func (r *reloads) last() (Config, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cfgs) == 0 {
		return Config{}, 0
	}
	return r.cfgs[len(r.cfgs)-1], len(r.cfgs)
}

func startWatcher(t *testing.T, path string, overrides FlagOverrides) (*reloads, func()) {
	t.Helper()
	got := &reloads{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchConfig(ctx, path, overrides, got.add, quietLogger()) }()
	// Give the watcher time to register before the test edits the file.
	time.Sleep(50 * time.Millisecond)
	return got, func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}
}

func TestWatchConfig_AppliesValidEdits(t *testing.T) {
	path := writeConfig(t, "poll:\n  interval_ms: 1000\n")
	got, stop := startWatcher(t, path, FlagOverrides{})
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("poll:\n  interval_ms: 300\nlogging:\n  level: debug\n"), 0o644))

	require.Eventually(t, func() bool {
		cfg, n := got.last()
		return n > 0 && cfg.Poll.IntervalMS == 300
	}, 3*time.Second, 20*time.Millisecond)
	cfg, _ := got.last()
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestWatchConfig_RejectsInvalidEdits(t *testing.T) {
	path := writeConfig(t, "poll:\n  interval_ms: 1000\n")
	got, stop := startWatcher(t, path, FlagOverrides{})
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("poll:\n  interval_ms: 1\n"), 0o644))
	time.Sleep(400 * time.Millisecond)
	_, n := got.last()
	assert.Zero(t, n, "invalid config is not applied")

	require.NoError(t, os.WriteFile(path, []byte("poll: [not, a, map]\n"), 0o644))
	time.Sleep(400 * time.Millisecond)
	_, n = got.last()
	assert.Zero(t, n)
}

func TestWatchConfig_RenameOverFile(t *testing.T) {
	path := writeConfig(t, "poll:\n  interval_ms: 1000\n")
	got, stop := startWatcher(t, path, FlagOverrides{})
	defer stop()

	tmp := filepath.Join(filepath.Dir(path), ".config.yaml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("poll:\n  interval_ms: 700\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		cfg, n := got.last()
		return n > 0 && cfg.Poll.IntervalMS == 700
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchConfig_FlagsKeepPrecedence(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	level := "error"
	got, stop := startWatcher(t, path, FlagOverrides{LogLevel: &level})
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("poll:\n  interval_ms: 400\nlogging:\n  level: debug\n"), 0o644))

	require.Eventually(t, func() bool {
		cfg, n := got.last()
		return n > 0 && cfg.Poll.IntervalMS == 400
	}, 3*time.Second, 20*time.Millisecond)
	cfg, _ := got.last()
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestWatchConfig_MissingDirectory(t *testing.T) {
	err := watchConfig(context.Background(), filepath.Join(t.TempDir(), "nope", "config.yaml"), FlagOverrides{}, func(Config) {}, quietLogger())
	assert.Error(t, err)
}

func TestApplyReload(t *testing.T) {
	logger, levelVar := setupLogger(LogLevelInfo)
	d := &daemon{cfg: DefaultConfig(), logger: logger, levelVar: levelVar}
	poll := poller.New(nil, audio.NewStore(), poller.Config{Commands: soundserver.Defaults()}, quietLogger())

	next := DefaultConfig()
	next.Poll.IntervalMS = 250
	next.Logging.Level = "debug"
	next.Exec.TimeoutMS = 1000

	d.applyReload(poll, next)

	assert.Equal(t, 250*time.Millisecond, poll.Interval())
	assert.Equal(t, slog.LevelDebug, levelVar.Level())
	assert.Equal(t, 250, d.cfg.Poll.IntervalMS)
	assert.Equal(t, defaultExecTimeoutMS, d.cfg.Exec.TimeoutMS, "restart-only settings keep running values")
}
