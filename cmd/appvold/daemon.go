package main

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"appvol/internal/audio"
	"appvol/internal/commander"
	"appvol/internal/executor"
	"appvol/internal/ipc"
	"appvol/internal/parser"
	"appvol/internal/poller"
	"appvol/internal/statews"
)

// ============================================================================
// Daemon wiring
// ============================================================================
// One store is shared by every component:
//   - the poller reconciles sound server snapshots into it
//   - the commander writes optimistic user edits and sends control commands
//   - the IPC server and the state websocket read views from it
//
// Shutdown semantics: every goroutine runs under one errgroup context. A fatal
// error in any component (e.g. the socket cannot be bound) cancels the others;
// run returns after all of them have exited.
// ============================================================================

type daemon struct {
	cfg        Config
	configPath string
	overrides  FlagOverrides
	logger     *slog.Logger
	levelVar   *slog.LevelVar

	// runner is the executor used for every sound server command. Tests swap it.
	runner executor.Runner
}

func (d *daemon) run(ctx context.Context) error {
	cfg := d.cfg
	logger := d.logger

	runner := d.runner
	if runner == nil {
		runner = executor.New(cfg.ExecTimeout(), logger.With("component", "executor"))
	}

	store := audio.NewStore()

	poll := poller.New(runner, store, poller.Config{
		Interval:    cfg.PollInterval(),
		CycleBudget: cfg.CycleBudget(),
		Commands:    cfg.Commands,
		Parser:      parser.Options{Reduction: cfg.Reduction()},
	}, logger.With("component", "poller"))

	cmdr := commander.New(runner, store, cfg.Commands, logger.With("component", "commander"))

	var ws *statews.Server
	if cfg.StateWS.Enabled {
		ws = statews.NewServer(logger.With("component", "state_ws"), store, statews.ServerConfig{})
	}

	ipcServer := &ipc.Server{
		SocketPath: ExpandPath(cfg.IPC.SocketPath),
		State:      store,
		Control:    cmdr,
		Status: func() ipc.DaemonStatus {
			st := ipc.DaemonStatus{Version: version, Poll: poll.Stats()}
			if ws != nil {
				st.WSClients = ws.Hub().ClientCount()
			}
			return st
		},
		Logger: logger.With("component", "ipc"),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		poll.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return ipcServer.Run(gctx)
	})

	if ws != nil {
		g.Go(func() error {
			ws.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			window := time.Duration(cfg.StateWS.CoalesceMS) * time.Millisecond
			statews.RunBroadcaster(gctx, ws.Hub(), store, window, logger.With("component", "state_ws"))
			return nil
		})
		g.Go(func() error {
			return ws.ListenAndServe(gctx, cfg.StateWS.Listen)
		})
	}

	if d.configPath != "" {
		g.Go(func() error {
			err := watchConfig(gctx, d.configPath, d.overrides, func(next Config) {
				d.applyReload(poll, next)
			}, logger.With("component", "config"))
			if err != nil {
				// Hot reload is a convenience; the daemon keeps running without it.
				logger.Warn("config hot reload disabled", "error", err)
			}
			return nil
		})
	}

	listenInfo := []any{"ipc", ipcServer.SocketPath, "poll_interval", cfg.PollInterval()}
	if ws != nil {
		listenInfo = append(listenInfo, "state_ws", cfg.StateWS.Listen)
	}
	logger.Info("listening", listenInfo...)

	return g.Wait()
}

// applyReload applies the settings that can change at runtime. Everything else
// is logged as requiring a restart.
func (d *daemon) applyReload(poll *poller.Poller, next Config) {
	prev := d.cfg

	if next.Poll.IntervalMS != prev.Poll.IntervalMS {
		poll.SetInterval(next.PollInterval())
	}
	if next.Logging.Level != prev.Logging.Level {
		if lvl, err := parseLogLevel(next.Logging.Level); err == nil {
			d.levelVar.Set(lvl.slogLevel())
		}
	}

	var restart []string
	if next.Exec != prev.Exec {
		restart = append(restart, "exec")
	}
	if next.Parser != prev.Parser {
		restart = append(restart, "parser")
	}
	if next.IPC != prev.IPC {
		restart = append(restart, "ipc")
	}
	if next.StateWS != prev.StateWS {
		restart = append(restart, "state_ws")
	}
	if next.Poll.CycleBudgetMS != prev.Poll.CycleBudgetMS {
		restart = append(restart, "poll.cycle_budget_ms")
	}
	if !sameCommands(next, prev) {
		restart = append(restart, "commands")
	}

	// Only the live settings are adopted; the rest keep their running values.
	d.cfg.Poll.IntervalMS = next.Poll.IntervalMS
	d.cfg.Logging.Level = next.Logging.Level

	d.logger.Info("config reloaded",
		"poll_interval", next.PollInterval(),
		"log_level", next.Logging.Level,
	)
	if len(restart) > 0 {
		d.logger.Warn("config changes require a restart to take effect", "sections", restart)
	}
}

func sameCommands(a, b Config) bool {
	return slices.Equal(a.Commands.SystemVolumeQuery, b.Commands.SystemVolumeQuery) &&
		slices.Equal(a.Commands.SystemVolumeSet, b.Commands.SystemVolumeSet) &&
		slices.Equal(a.Commands.SystemMuteSet, b.Commands.SystemMuteSet) &&
		slices.Equal(a.Commands.StreamListQuery, b.Commands.StreamListQuery) &&
		slices.Equal(a.Commands.StreamVolumeSet, b.Commands.StreamVolumeSet) &&
		slices.Equal(a.Commands.StreamMuteSet, b.Commands.StreamMuteSet)
}
