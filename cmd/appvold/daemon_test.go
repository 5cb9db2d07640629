package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appvol/internal/audio"
	"appvol/internal/ipc"
)

// scriptedRunner answers queries by program name and records every other call.
type scriptedRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return r.outputs[name], nil
}

func (r *scriptedRunner) called(cmd string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == cmd {
			return true
		}
	}
	return false
}

func testSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "appvold")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func TestDaemon_ServesPolledStateAndCommands(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		"wpctl": "Volume: 0.33\n",
		"pactl": "Sink Input #3\n\tVolume: 70% / 70%\n\tapplication.name = \"media-player\"\n",
	}}

	cfg := DefaultConfig()
	cfg.Poll.IntervalMS = 50
	cfg.IPC.SocketPath = testSocketPath(t)
	cfg.StateWS.Enabled = true
	cfg.StateWS.Listen = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())

	d := &daemon{
		cfg:      cfg,
		logger:   quietLogger(),
		levelVar: new(slog.LevelVar),
		runner:   runner,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	client := ipc.NewClient(cfg.IPC.SocketPath)
	var view audio.View
	require.Eventually(t, func() bool {
		v, err := client.State(context.Background())
		if err != nil {
			return false
		}
		view = v
		return v.SystemKnown && len(v.Streams) == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.InDelta(t, 0.33, view.System.Volume, 1e-9)
	assert.Equal(t, audio.StreamID("3"), view.Streams[0].ID)
	assert.Equal(t, "media-player", view.Streams[0].Name)
	assert.InDelta(t, 0.7, view.Streams[0].Volume, 1e-9)

	st, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, version, st.Version)
	assert.GreaterOrEqual(t, st.Poll.Cycles, uint64(1))
	assert.Zero(t, st.WSClients)

	_, err = client.SetMute(context.Background(), audio.StreamTarget("3"), true)
	require.NoError(t, err)
	assert.True(t, runner.called("pactl set-sink-input-mute 3 1"))

	_, err = client.SetVolume(context.Background(), audio.StreamTarget("99"), 0.5)
	var remote *ipc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ipc.CodeStaleTarget, remote.Code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not stop")
	}
	_, err = os.Stat(cfg.IPC.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
}

func TestDaemon_FailsWhenSocketCannotBeBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPC.SocketPath = filepath.Join(t.TempDir(), "missing", "dir", "d.sock")

	d := &daemon{
		cfg:      cfg,
		logger:   quietLogger(),
		levelVar: new(slog.LevelVar),
		runner:   &scriptedRunner{outputs: map[string]string{}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, d.run(ctx))
}
