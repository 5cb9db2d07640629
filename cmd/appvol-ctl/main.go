package main

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// ============================================================================
// appvol-ctl - Command-line client for appvold
// ============================================================================
// Usage:
//   appvol-ctl status
//   appvol-ctl set-volume system 40%
//   appvol-ctl set-volume 57 0.8
//   appvol-ctl mute 57
//   appvol-ctl unmute system
//   appvol-ctl watch --url ws://127.0.0.1:8765/ws
//
// Options:
//   --socket PATH   Unix domain socket path (default: $XDG_RUNTIME_DIR/appvol.sock)
// ============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
