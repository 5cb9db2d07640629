// Package poller refreshes the audio store from the sound server on a fixed cadence.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"appvol/internal/audio"
	"appvol/internal/executor"
	"appvol/internal/parser"
	"appvol/internal/soundserver"
)

// Defaults for Config.
const (
	DefaultInterval    = time.Second
	DefaultCycleBudget = 2500 * time.Millisecond
)

// Phase is the poller's position in one cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseQuerying
	PhaseParsing
	PhaseReconciling
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseQuerying:
		return "querying"
	case PhaseParsing:
		return "parsing"
	case PhaseReconciling:
		return "reconciling"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Config configures a Poller.
type Config struct {
	Interval time.Duration
	// CycleBudget bounds one whole cycle, both queries included.
	CycleBudget time.Duration
	Commands    soundserver.Commands
	Parser      parser.Options
}

// Stats is a point-in-time copy of the poller's counters.
type Stats struct {
	Cycles        uint64    `json:"cycles"`
	Failures      uint64    `json:"failures"`
	SkippedTicks  uint64    `json:"skipped_ticks"`
	LastError     string    `json:"last_error,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at"`
	Interval      string    `json:"interval"`
	Phase         string    `json:"phase"`
}

// Poller runs query -> parse -> reconcile cycles.
type Poller struct {
	runner executor.Runner
	store  *audio.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	interval   atomic.Int64
	intervalCh chan time.Duration

	phase    atomic.Int32
	inFlight atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// New returns a Poller writing into store.
func New(runner executor.Runner, store *audio.Store, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = DefaultCycleBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		runner:     runner,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		intervalCh: make(chan time.Duration, 1),
	}
	p.interval.Store(int64(cfg.Interval))
	return p
}

// Phase reports the current cycle phase.
func (p *Poller) Phase() Phase { return Phase(p.phase.Load()) }

// Interval reports the current tick interval.
func (p *Poller) Interval() time.Duration { return time.Duration(p.interval.Load()) }

// SetInterval changes the tick interval of a running loop. Non-positive values are ignored.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 || d == p.Interval() {
		return
	}
	p.interval.Store(int64(d))
	// Latest wins if the loop has not picked up a previous change yet.
	select {
	case <-p.intervalCh:
	default:
	}
	p.intervalCh <- d
}

// Stats returns a copy of the counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	s := p.stats
	p.mu.Unlock()
	s.Interval = p.Interval().String()
	s.Phase = p.Phase().String()
	return s
}

// Run polls immediately and then once per interval until ctx is canceled.
// A tick that arrives while a cycle is still running is skipped, so at most one
// cycle is in flight. Run returns after the in-flight cycle has finished.
func (p *Poller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	p.logger.Info("poller starting", "interval", p.Interval(), "cycle_budget", p.cfg.CycleBudget)
	p.startCycle(ctx, &wg)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping (context canceled)")
			return

		case d := <-p.intervalCh:
			ticker.Reset(d)
			p.logger.Info("poll interval changed", "interval", d)

		case <-ticker.C:
			p.startCycle(ctx, &wg)
		}
	}
}

func (p *Poller) startCycle(ctx context.Context, wg *sync.WaitGroup) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.mu.Lock()
		p.stats.SkippedTicks++
		p.mu.Unlock()
		p.logger.Debug("poll tick skipped, previous cycle still running")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.inFlight.Store(false)
		// Failures are recorded and logged inside cycle; the store keeps its last good state.
		_ = p.cycle(ctx)
	}()
}

// PollOnce runs one cycle synchronously and returns its error. Returns an
// error without polling if a cycle is already in flight.
func (p *Poller) PollOnce(ctx context.Context) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		return errors.New("poll already in flight")
	}
	defer p.inFlight.Store(false)
	return p.cycle(ctx)
}

func (p *Poller) cycle(ctx context.Context) error {
	defer p.phase.Store(int32(PhaseIdle))

	cycleCtx, cancel := context.WithTimeout(ctx, p.cfg.CycleBudget)
	defer cancel()

	snap, warnings, err := p.fetch(cycleCtx)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a sound server failure.
			return err
		}
		p.recordFailure(err)
		p.logger.Warn("poll failed, keeping last known state", "error", err)
		return err
	}
	for _, w := range warnings {
		p.logger.Warn("stream listing entry skipped", "warning", w.String())
	}

	p.phase.Store(int32(PhaseReconciling))
	p.store.Reconcile(snap)

	p.mu.Lock()
	p.stats.Cycles++
	p.stats.LastError = ""
	p.stats.LastSuccessAt = p.now()
	p.mu.Unlock()
	p.logger.Debug("poll reconciled", "system_volume", snap.System.Volume, "streams", len(snap.Streams))
	return nil
}

func (p *Poller) fetch(ctx context.Context) (audio.Snapshot, []parser.Warning, error) {
	sysInv, err := p.cfg.Commands.SystemQuery()
	if err != nil {
		return audio.Snapshot{}, nil, fmt.Errorf("system volume query: %w", err)
	}
	listInv, err := p.cfg.Commands.StreamsQuery()
	if err != nil {
		return audio.Snapshot{}, nil, fmt.Errorf("stream list query: %w", err)
	}

	p.phase.Store(int32(PhaseQuerying))
	capturedAt := p.now()

	var sysOut, listOut string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := p.runner.Run(gctx, sysInv.Name, sysInv.Args...)
		if err != nil {
			return fmt.Errorf("system volume query: %w", err)
		}
		sysOut = out
		return nil
	})
	g.Go(func() error {
		out, err := p.runner.Run(gctx, listInv.Name, listInv.Args...)
		if err != nil {
			return fmt.Errorf("stream list query: %w", err)
		}
		listOut = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return audio.Snapshot{}, nil, err
	}

	p.phase.Store(int32(PhaseParsing))
	system, err := parser.ParseSystemVolume(sysOut)
	if err != nil {
		return audio.Snapshot{}, nil, err
	}
	listing, err := parser.ParseStreams(listOut, p.cfg.Parser)
	if err != nil {
		return audio.Snapshot{}, nil, err
	}

	return audio.Snapshot{
		System:     system,
		Streams:    listing.Streams,
		CapturedAt: capturedAt,
	}, listing.Warnings, nil
}

func (p *Poller) recordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Failures++
	p.stats.LastError = err.Error()
}
