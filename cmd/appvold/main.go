package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("appvold v%s\n", version)
	fmt.Println("Per-application volume monitor and controller for PipeWire/PulseAudio")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  appvold [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that keeps a live model of the default sink volume and of every")
	fmt.Println("  application stream by polling the sound server's command-line tools.")
	fmt.Println("  Volume and mute changes arrive over a Unix socket (see appvol-ctl), are")
	fmt.Println("  shown immediately and rolled back if the sound server rejects them.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (watched for changes while running)")
	fmt.Println()
	fmt.Println("  -poll-interval-ms int")
	fmt.Printf("        Sound server refresh interval in ms (default %d)\n", defaultPollIntervalMS)
	fmt.Println()
	fmt.Println("  -exec-timeout-ms int")
	fmt.Printf("        Timeout for each sound server command in ms (default %d)\n", defaultExecTimeoutMS)
	fmt.Println()
	fmt.Println("  -channel-reduction string")
	fmt.Println("        How a multi-channel stream volume becomes one value: first|mean (default \"first\")")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"$XDG_RUNTIME_DIR/appvol.sock\")")
	fmt.Println()
	fmt.Println("  -state-ws-listen string")
	fmt.Printf("        Enable the state websocket on this address (e.g. %q)\n", defaultStateWSListen)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start daemon with default settings (wpctl + pactl)")
	fmt.Println("  appvold")
	fmt.Println()
	fmt.Println("  # Refresh twice a second and publish state for a web UI")
	fmt.Println("  appvold -poll-interval-ms 500 -state-ws-listen 127.0.0.1:8765")
	fmt.Println()
	fmt.Println("  # Use a config file")
	fmt.Println("  appvold -config ~/.config/appvol/config.yaml")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires wpctl and pactl in PATH unless commands are overridden in the config")
	fmt.Println("  - Flags override values from the config file")
	fmt.Println("  - poll.interval_ms and logging.level are applied live when the config file changes")
	fmt.Println()
}

func main() {
	// Check for version/help flags early
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	fs := flag.NewFlagSet("appvold", flag.ExitOnError)
	var (
		configPath       = fs.String("config", "", "Path to YAML config file")
		pollIntervalMS   = fs.Int("poll-interval-ms", defaultPollIntervalMS, "Sound server refresh interval in ms")
		execTimeoutMS    = fs.Int("exec-timeout-ms", defaultExecTimeoutMS, "Timeout for each sound server command in ms")
		channelReduction = fs.String("channel-reduction", "first", "Multi-channel volume reduction: first|mean")
		ipcSocketPath    = fs.String("ipc-socket", "", "Unix domain socket path for IPC")
		stateWSListen    = fs.String("state-ws-listen", "", "Enable the state websocket on this address")
		logLevelStr      = fs.String("log-level", "info", "Log level: error, warn, info, debug")
		_                = fs.Bool("version", false, "Print version and exit")
		_                = fs.Bool("help", false, "Print help message")
	)
	fs.Usage = printUsage
	_ = fs.Parse(os.Args[1:])

	// Only flags given on the command line override the config file.
	var overrides FlagOverrides
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "poll-interval-ms":
			overrides.PollIntervalMS = pollIntervalMS
		case "exec-timeout-ms":
			overrides.ExecTimeoutMS = execTimeoutMS
		case "channel-reduction":
			overrides.ChannelReduction = channelReduction
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocketPath
		case "state-ws-listen":
			overrides.StateWSListen = stateWSListen
		case "log-level":
			overrides.LogLevel = logLevelStr
		}
	})

	cfg, err := loadConfig(*configPath, overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level) // validated by loadConfig
	logger, levelVar := setupLogger(logLevel)

	logger.Debug("starting appvold", "version", version)
	logger.Debug("configuration",
		"config", *configPath,
		"poll_interval_ms", cfg.Poll.IntervalMS,
		"cycle_budget_ms", cfg.Poll.CycleBudgetMS,
		"exec_timeout_ms", cfg.Exec.TimeoutMS,
		"channel_reduction", cfg.Parser.ChannelReduction,
		"ipc_socket", cfg.IPC.SocketPath,
		"state_ws_enabled", cfg.StateWS.Enabled,
		"state_ws_listen", cfg.StateWS.Listen,
		"system_volume_query", cfg.Commands.SystemVolumeQuery,
		"stream_list_query", cfg.Commands.StreamListQuery,
	)

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	d := &daemon{
		cfg:        cfg,
		configPath: *configPath,
		overrides:  overrides,
		logger:     logger,
		levelVar:   levelVar,
	}
	if err := d.run(ctx); err != nil {
		logger.Error("daemon stopped", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("shut down")
}

// loadConfig builds the effective config: defaults, then the file (if any),
// then flag overrides, then validation.
func loadConfig(path string, overrides FlagOverrides) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
