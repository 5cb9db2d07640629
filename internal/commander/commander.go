// Package commander applies user volume and mute changes: the store is updated
// optimistically, then the control command is sent to the sound server.
package commander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"appvol/internal/audio"
	"appvol/internal/executor"
	"appvol/internal/soundserver"
)

// Kind classifies a command failure.
type Kind int

const (
	// KindStaleTarget means the stream is no longer in the store.
	KindStaleTarget Kind = iota + 1
	// KindExecFailed means the control command failed; the store was rolled back.
	KindExecFailed
)

func (k Kind) String() string {
	switch k {
	case KindStaleTarget:
		return "stale_target"
	case KindExecFailed:
		return "exec_failed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against *CommandError.
var (
	ErrStaleTarget = errors.New("stale target")
	ErrExecFailed  = errors.New("control command failed")
)

// CommandError is returned by every Set* method.
type CommandError struct {
	Kind   Kind
	Target audio.Target
	Err    error
}

func (e *CommandError) Error() string {
	switch e.Kind {
	case KindStaleTarget:
		return fmt.Sprintf("%s: no such stream", e.Target)
	default:
		return fmt.Sprintf("%s: %v", e.Target, e.Err)
	}
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool {
	switch target {
	case ErrStaleTarget:
		return e.Kind == KindStaleTarget
	case ErrExecFailed:
		return e.Kind == KindExecFailed
	}
	return false
}

// Commander turns user requests into store writes and control commands.
type Commander struct {
	runner executor.Runner
	store  *audio.Store
	cmds   soundserver.Commands
	logger *slog.Logger

	// mu orders control commands: each request's optimistic write and its
	// command run back to back, so commands reach the sound server in call order.
	mu sync.Mutex
}

// New returns a Commander.
func New(runner executor.Runner, store *audio.Store, cmds soundserver.Commands, logger *slog.Logger) *Commander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commander{runner: runner, store: store, cmds: cmds, logger: logger}
}

// SetSystemVolume sets the default sink's volume. v is clamped to [0,1] and
// rounded to the 0.01 step the command carries.
func (c *Commander) SetSystemVolume(ctx context.Context, v float64) error {
	return c.setVolume(ctx, audio.SystemTarget(), v)
}

// SetStreamVolume sets one stream's volume, clamped and rounded as above.
func (c *Commander) SetStreamVolume(ctx context.Context, id audio.StreamID, v float64) error {
	return c.setVolume(ctx, audio.StreamTarget(id), v)
}

// SetSystemMute mutes or unmutes the default sink.
func (c *Commander) SetSystemMute(ctx context.Context, muted bool) error {
	return c.setMute(ctx, audio.SystemTarget(), muted)
}

// SetStreamMute mutes or unmutes one stream.
func (c *Commander) SetStreamMute(ctx context.Context, id audio.StreamID, muted bool) error {
	return c.setMute(ctx, audio.StreamTarget(id), muted)
}

func (c *Commander) setVolume(ctx context.Context, target audio.Target, v float64) error {
	// The store holds what the command sends, not the unrounded request.
	v = soundserver.Quantize(v)
	return c.do(ctx, target, audio.FieldVolume,
		func() (audio.Revision, error) { return c.store.ApplyOptimistic(target, v) },
		func() (soundserver.Invocation, error) { return c.cmds.VolumeSet(target, v) },
		slog.Float64("volume", v),
	)
}

func (c *Commander) setMute(ctx context.Context, target audio.Target, muted bool) error {
	return c.do(ctx, target, audio.FieldMute,
		func() (audio.Revision, error) { return c.store.ApplyOptimisticMute(target, muted) },
		func() (soundserver.Invocation, error) { return c.cmds.MuteSet(target, muted) },
		slog.Bool("muted", muted),
	)
}

func (c *Commander) do(
	ctx context.Context,
	target audio.Target,
	field audio.Field,
	apply func() (audio.Revision, error),
	build func() (soundserver.Invocation, error),
	value slog.Attr,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inv, err := build()
	if err != nil {
		return &CommandError{Kind: KindExecFailed, Target: target, Err: err}
	}

	rev, err := apply()
	if err != nil {
		if errors.Is(err, audio.ErrUnknownStream) {
			c.logger.Debug("control request for vanished stream", "target", target.String())
			return &CommandError{Kind: KindStaleTarget, Target: target, Err: err}
		}
		return &CommandError{Kind: KindExecFailed, Target: target, Err: err}
	}

	if _, err := c.runner.Run(ctx, inv.Name, inv.Args...); err != nil {
		rolledBack := c.store.Rollback(target, field, rev)
		c.logger.Warn("control command failed",
			"target", target.String(),
			"field", field.String(),
			value,
			"rolled_back", rolledBack,
			"error", err,
		)
		return &CommandError{Kind: KindExecFailed, Target: target, Err: err}
	}

	c.store.Confirm(target, field, rev)
	c.logger.Debug("control command applied", "target", target.String(), "field", field.String(), value)
	return nil
}
