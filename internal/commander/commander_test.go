package commander

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appvol/internal/audio"
	"appvol/internal/executor"
	"appvol/internal/soundserver"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
	// observe runs during the command, before it returns.
	observe func()
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	if r.observe != nil {
		r.observe()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return "", r.err
}

func (r *recordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func seededStore(t *testing.T) *audio.Store {
	t.Helper()
	s := audio.NewStore()
	s.Reconcile(audio.Snapshot{
		System: audio.SystemVolume{Volume: 0.5},
		Streams: []audio.StreamRecord{
			{ID: "1", Name: "a", Volume: 0.4},
			{ID: "2", Name: "b", Volume: 0.2},
		},
		CapturedAt: time.Now(),
	})
	return s
}

func newCommander(r executor.Runner, s *audio.Store) *Commander {
	return New(r, s, soundserver.Defaults(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSetSystemVolume(t *testing.T) {
	r := &recordingRunner{}
	s := seededStore(t)
	c := newCommander(r, s)

	require.NoError(t, c.SetSystemVolume(context.Background(), 0.8))
	assert.InDelta(t, 0.8, s.SystemVolume().Volume, 1e-9)
	assert.Equal(t, []string{"wpctl set-volume @DEFAULT_AUDIO_SINK@ 80%"}, r.Calls())
}

func TestSetVolume_Clamps(t *testing.T) {
	r := &recordingRunner{}
	s := seededStore(t)
	c := newCommander(r, s)

	require.NoError(t, c.SetSystemVolume(context.Background(), 1.7))
	assert.Equal(t, 1.0, s.SystemVolume().Volume)
	require.NoError(t, c.SetStreamVolume(context.Background(), "2", -0.3))
	rec, ok := s.Stream("2")
	require.True(t, ok)
	assert.Equal(t, 0.0, rec.Volume)

	assert.Equal(t, []string{
		"wpctl set-volume @DEFAULT_AUDIO_SINK@ 100%",
		"pactl set-sink-input-volume 2 0%",
	}, r.Calls())
}

func TestSetStreamVolume_OptimisticBeforeCommand(t *testing.T) {
	s := seededStore(t)
	var during float64
	r := &recordingRunner{observe: func() {
		rec, _ := s.Stream("1")
		during = rec.Volume
	}}
	c := newCommander(r, s)

	require.NoError(t, c.SetStreamVolume(context.Background(), "1", 0.9))
	assert.InDelta(t, 0.9, during, 1e-9, "store updated before the command ran")
	assert.Equal(t, []string{"pactl set-sink-input-volume 1 90%"}, r.Calls())
}

func TestSetSystemVolume_PollDuringCommandDoesNotRevert(t *testing.T) {
	s := seededStore(t)
	var during float64
	r := &recordingRunner{observe: func() {
		// A background poll reads the server before the new volume landed.
		s.Reconcile(audio.Snapshot{
			System:     audio.SystemVolume{Volume: 0.5},
			Streams:    []audio.StreamRecord{{ID: "1", Name: "a", Volume: 0.4}, {ID: "2", Name: "b", Volume: 0.2}},
			CapturedAt: time.Now(),
		})
		during = s.SystemVolume().Volume
	}}
	c := newCommander(r, s)

	require.NoError(t, c.SetSystemVolume(context.Background(), 0.9))
	assert.InDelta(t, 0.9, during, 1e-9, "poll while the command runs keeps the write")
	assert.InDelta(t, 0.9, s.SystemVolume().Volume, 1e-9, "write stays after the command succeeded")
}

func TestSetVolume_StoresWhatTheCommandSends(t *testing.T) {
	r := &recordingRunner{}
	s := seededStore(t)
	c := newCommander(r, s)

	require.NoError(t, c.SetSystemVolume(context.Background(), 0.333))
	assert.Equal(t, 0.33, s.SystemVolume().Volume)

	require.NoError(t, c.SetStreamVolume(context.Background(), "1", 0.876))
	rec, _ := s.Stream("1")
	assert.Equal(t, 0.88, rec.Volume)

	assert.Equal(t, []string{
		"wpctl set-volume @DEFAULT_AUDIO_SINK@ 33%",
		"pactl set-sink-input-volume 1 88%",
	}, r.Calls())
}

func TestSetStreamVolume_StaleTarget(t *testing.T) {
	r := &recordingRunner{}
	s := seededStore(t)
	c := newCommander(r, s)
	before := s.View()

	err := c.SetStreamVolume(context.Background(), "99", 0.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleTarget)
	assert.NotErrorIs(t, err, ErrExecFailed)

	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindStaleTarget, ce.Kind)
	assert.Equal(t, audio.StreamTarget("99"), ce.Target)

	assert.Empty(t, r.Calls(), "no command for a vanished stream")
	assert.Equal(t, before, s.View())
}

func TestSetStreamVolume_ExecFailureRollsBack(t *testing.T) {
	execErr := &executor.ExecError{Kind: executor.KindNonZeroExit, Command: "pactl", Code: 1, Output: "Failure: No such entity"}
	r := &recordingRunner{err: execErr}
	s := seededStore(t)
	c := newCommander(r, s)

	err := c.SetStreamVolume(context.Background(), "1", 0.9)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecFailed)
	assert.ErrorIs(t, err, executor.ErrNonZeroExit)

	var ee *executor.ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.Code)

	rec, ok := s.Stream("1")
	require.True(t, ok)
	assert.InDelta(t, 0.4, rec.Volume, 1e-9, "rolled back to last polled value")
}

func TestSetSystemMute(t *testing.T) {
	r := &recordingRunner{}
	s := seededStore(t)
	c := newCommander(r, s)

	require.NoError(t, c.SetSystemMute(context.Background(), true))
	sys := s.SystemVolume()
	assert.True(t, sys.Muted)
	assert.InDelta(t, 0.5, sys.Volume, 1e-9, "mute keeps the volume")

	require.NoError(t, c.SetStreamMute(context.Background(), "2", true))
	rec, _ := s.Stream("2")
	assert.True(t, rec.Muted)

	assert.Equal(t, []string{
		"wpctl set-mute @DEFAULT_AUDIO_SINK@ 1",
		"pactl set-sink-input-mute 2 1",
	}, r.Calls())
}

func TestSetMute_FailureRollsBackOnlyMute(t *testing.T) {
	r := &recordingRunner{}
	s := seededStore(t)
	c := newCommander(r, s)
	require.NoError(t, c.SetStreamVolume(context.Background(), "2", 0.6))

	r.err = errors.New("boom")
	err := c.SetStreamMute(context.Background(), "2", true)
	assert.ErrorIs(t, err, ErrExecFailed)

	rec, _ := s.Stream("2")
	assert.False(t, rec.Muted)
	assert.InDelta(t, 0.6, rec.Volume, 1e-9, "volume write is untouched")
}

func TestCommandsAreSerialized(t *testing.T) {
	s := seededStore(t)
	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	r := &recordingRunner{observe: func() {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
	}}
	c := newCommander(r, s)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.SetSystemVolume(context.Background(), float64(i)/10))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Len(t, r.Calls(), 8)
}

func TestCommandError_Messages(t *testing.T) {
	stale := &CommandError{Kind: KindStaleTarget, Target: audio.StreamTarget("5"), Err: audio.ErrUnknownStream}
	assert.Equal(t, "stream(5): no such stream", stale.Error())
	assert.ErrorIs(t, stale, audio.ErrUnknownStream)

	failed := &CommandError{Kind: KindExecFailed, Target: audio.SystemTarget(), Err: errors.New("boom")}
	assert.Equal(t, "system: boom", failed.Error())
	assert.Equal(t, "exec_failed", failed.Kind.String())
}
