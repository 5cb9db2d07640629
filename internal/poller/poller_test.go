package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appvol/internal/audio"
	"appvol/internal/executor"
	"appvol/internal/soundserver"
)

type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	// gate, when set, blocks every call until it is closed.
	gate    chan struct{}
	entered chan string
	calls   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: map[string]string{
			"wpctl": "Volume: 0.33\n",
			"pactl": "Sink Input #3\n\tVolume: 70% / 70%\n\tapplication.name = \"media-player\"\n",
		},
		errs: map[string]error{},
	}
}

func (f *fakeRunner) set(name, out string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[name] = out
	if err != nil {
		f.errs[name] = err
	} else {
		delete(f.errs, name)
	}
}

func (f *fakeRunner) Run(ctx context.Context, name string, _ ...string) (string, error) {
	f.mu.Lock()
	f.calls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- name:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[name]; err != nil {
		return "", err
	}
	return f.outputs[name], nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPoller(r executor.Runner, store *audio.Store) *Poller {
	return New(r, store, Config{
		Interval:    10 * time.Millisecond,
		CycleBudget: time.Second,
		Commands:    soundserver.Defaults(),
	}, quietLogger())
}

func TestPollOnce_ReconcilesStore(t *testing.T) {
	store := audio.NewStore()
	p := newTestPoller(newFakeRunner(), store)

	require.NoError(t, p.PollOnce(context.Background()))

	v := store.View()
	assert.True(t, v.SystemKnown)
	assert.InDelta(t, 0.33, v.System.Volume, 1e-9)
	require.Len(t, v.Streams, 1)
	assert.Equal(t, audio.StreamRecord{ID: "3", Name: "media-player", Volume: 0.70}, v.Streams[0])

	assert.Equal(t, PhaseIdle, p.Phase())
	st := p.Stats()
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Zero(t, st.Failures)
	assert.False(t, st.LastSuccessAt.IsZero())
}

func TestPollOnce_FailureKeepsLastKnownState(t *testing.T) {
	store := audio.NewStore()
	r := newFakeRunner()
	p := newTestPoller(r, store)
	require.NoError(t, p.PollOnce(context.Background()))
	before := store.View()

	r.set("pactl", "", &executor.ExecError{Kind: executor.KindNotFound, Command: "pactl", Code: -1, Err: errors.New("not in PATH")})
	err := p.PollOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrNotFound)

	assert.Equal(t, before, store.View())
	st := p.Stats()
	assert.Equal(t, uint64(1), st.Failures)
	assert.Contains(t, st.LastError, "stream list query")

	// Recovery clears the error.
	r.set("pactl", "", nil)
	require.NoError(t, p.PollOnce(context.Background()))
	assert.Empty(t, p.Stats().LastError)
	assert.Empty(t, store.Streams())
}

func TestPollOnce_MalformedOutputLeavesStoreUntouched(t *testing.T) {
	store := audio.NewStore()
	r := newFakeRunner()
	r.set("wpctl", "Error: no default sink\n", nil)
	p := newTestPoller(r, store)

	err := p.PollOnce(context.Background())
	require.Error(t, err)

	v := store.View()
	assert.False(t, v.SystemKnown)
	assert.Empty(t, v.Streams)
	assert.Zero(t, v.Revision)
}

func TestPollOnce_RejectedWhileInFlight(t *testing.T) {
	r := newFakeRunner()
	r.gate = make(chan struct{})
	r.entered = make(chan string, 2)
	p := newTestPoller(r, audio.NewStore())

	done := make(chan error, 1)
	go func() { done <- p.PollOnce(context.Background()) }()

	<-r.entered
	assert.Equal(t, PhaseQuerying, p.Phase())
	assert.Error(t, p.PollOnce(context.Background()))

	close(r.gate)
	require.NoError(t, <-done)
	assert.Equal(t, PhaseIdle, p.Phase())
}

func TestPollOnce_OptimisticWriteDuringQueryWins(t *testing.T) {
	store := audio.NewStore()
	r := newFakeRunner()
	p := newTestPoller(r, store)
	require.NoError(t, p.PollOnce(context.Background()))

	r.gate = make(chan struct{})
	r.entered = make(chan string, 2)
	done := make(chan error, 1)
	go func() { done <- p.PollOnce(context.Background()) }()

	<-r.entered
	time.Sleep(2 * time.Millisecond)
	_, err := store.ApplyOptimistic(audio.SystemTarget(), 0.9)
	require.NoError(t, err)

	close(r.gate)
	require.NoError(t, <-done)

	// The snapshot was captured before the write, so the write survives.
	assert.InDelta(t, 0.9, store.SystemVolume().Volume, 1e-9)
}

func TestRun_SkipsTicksWhileCycleInFlight(t *testing.T) {
	r := newFakeRunner()
	r.gate = make(chan struct{})
	p := newTestPoller(r, audio.NewStore())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	assert.Eventually(t, func() bool {
		return p.Stats().SkippedTicks >= 2
	}, 2*time.Second, 5*time.Millisecond)

	r.mu.Lock()
	calls := r.calls
	r.mu.Unlock()
	// One cycle, two queries; skipped ticks issued nothing.
	assert.Equal(t, 2, calls)

	close(r.gate)
	assert.Eventually(t, func() bool {
		return p.Stats().Cycles >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_StopsWithCycleInFlight(t *testing.T) {
	r := newFakeRunner()
	r.gate = make(chan struct{})
	r.entered = make(chan string, 2)
	p := newTestPoller(r, audio.NewStore())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	<-r.entered
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	// Shutdown is not counted as a sound server failure.
	assert.Zero(t, p.Stats().Failures)
}

func TestSetInterval(t *testing.T) {
	p := newTestPoller(newFakeRunner(), audio.NewStore())
	assert.Equal(t, 10*time.Millisecond, p.Interval())

	p.SetInterval(0)
	assert.Equal(t, 10*time.Millisecond, p.Interval())

	p.SetInterval(50 * time.Millisecond)
	p.SetInterval(75 * time.Millisecond)
	assert.Equal(t, 75*time.Millisecond, p.Interval())
	assert.Equal(t, 75*time.Millisecond, <-p.intervalCh)
	assert.Equal(t, "75ms", p.Stats().Interval)
}

func TestNew_Defaults(t *testing.T) {
	p := New(newFakeRunner(), audio.NewStore(), Config{Commands: soundserver.Defaults()}, nil)
	assert.Equal(t, DefaultInterval, p.Interval())
	assert.Equal(t, DefaultCycleBudget, p.cfg.CycleBudget)
	assert.Equal(t, "idle", p.Phase().String())
}
