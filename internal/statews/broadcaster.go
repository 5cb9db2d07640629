package statews

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCoalesceWindow is the maximum time bursty store changes are held
// (latest wins) before one state_changed frame is broadcast.
const DefaultCoalesceWindow = 50 * time.Millisecond

// ChangeSource is a ViewSource that signals changes. *audio.Store implements it.
type ChangeSource interface {
	ViewSource
	Subscribe() (<-chan struct{}, func())
}

// RunBroadcaster forwards store changes to hub as state_changed frames until ctx
// is canceled. Changes inside one window collapse into a single frame carrying
// the latest view. The window is not extended by further changes, so a steady
// stream of changes still produces one frame per window.
func RunBroadcaster(ctx context.Context, hub *Hub, src ChangeSource, window time.Duration, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}

	changes, unsubscribe := src.Subscribe()
	defer unsubscribe()

	// Revision already delivered to clients through state_init or a broadcast.
	lastSent := src.View().Revision

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerCh = nil, nil
	}

	flush := func() {
		v := src.View()
		if v.Revision == lastSent {
			return
		}
		msg, err := marshalView(TypeStateChanged, v)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "revision", v.Revision)
			return
		}
		lastSent = v.Revision
		hub.Publish(msg)
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return

		case <-changes:
			if timer == nil {
				timer = time.NewTimer(window)
				timerCh = timer.C
			}

		case <-timerCh:
			timer, timerCh = nil, nil
			flush()
		}
	}
}
