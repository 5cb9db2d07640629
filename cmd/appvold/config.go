package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"appvol/internal/ipc"
	"appvol/internal/parser"
	"appvol/internal/soundserver"
)

// Config is the top-level YAML configuration for the appvold daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. Flags override individual values on top of the file.
type Config struct {
	// Poll loop cadence
	Poll PollConfig `yaml:"poll"`

	// Command execution
	Exec ExecConfig `yaml:"exec"`

	// Output parsing
	Parser ParserConfig `yaml:"parser"`

	// Sound server command templates
	Commands soundserver.Commands `yaml:"commands"`

	// Control socket
	IPC IPCConfig `yaml:"ipc"`

	// State websocket
	StateWS StateWSConfig `yaml:"state_ws"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type PollConfig struct {
	IntervalMS    int `yaml:"interval_ms"`
	CycleBudgetMS int `yaml:"cycle_budget_ms"`
}

type ExecConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

type ParserConfig struct {
	// ChannelReduction is "first" or "mean".
	ChannelReduction string `yaml:"channel_reduction"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StateWSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	CoalesceMS int    `yaml:"coalesce_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Poll: PollConfig{
			IntervalMS:    defaultPollIntervalMS,
			CycleBudgetMS: defaultCycleBudgetMS,
		},
		Exec: ExecConfig{
			TimeoutMS: defaultExecTimeoutMS,
		},
		Parser: ParserConfig{
			ChannelReduction: string(parser.ReduceFirst),
		},
		Commands: soundserver.Defaults(),
		IPC: IPCConfig{
			SocketPath: ipc.DefaultSocketPath(),
		},
		StateWS: StateWSConfig{
			Enabled:    false,
			Listen:     defaultStateWSListen,
			CoalesceMS: defaultStateWSCoalesceMS,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Notes:
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
//   - A command template given in the file replaces the default template whole.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	var extra yaml.Node
	if err := dec.Decode(&extra); err == nil {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds values from explicitly set flags. A nil pointer means the
// flag was not given; a non-nil pointer is applied even if it is a zero value.
type FlagOverrides struct {
	PollIntervalMS   *int
	ExecTimeoutMS    *int
	ChannelReduction *string
	IPCSocketPath    *string
	StateWSListen    *string
	LogLevel         *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.PollIntervalMS != nil {
		cfg.Poll.IntervalMS = *o.PollIntervalMS
	}
	if o.ExecTimeoutMS != nil {
		cfg.Exec.TimeoutMS = *o.ExecTimeoutMS
	}
	if o.ChannelReduction != nil {
		cfg.Parser.ChannelReduction = *o.ChannelReduction
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StateWSListen != nil {
		// Giving a listen address on the command line turns the websocket on.
		cfg.StateWS.Listen = *o.StateWSListen
		cfg.StateWS.Enabled = *o.StateWSListen != ""
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// It is called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Poll
	if c.Poll.IntervalMS < minPollIntervalMS || c.Poll.IntervalMS > maxPollIntervalMS {
		return fmt.Errorf("poll.interval_ms must be between %d and %d", minPollIntervalMS, maxPollIntervalMS)
	}
	if c.Poll.CycleBudgetMS <= 0 {
		return errors.New("poll.cycle_budget_ms must be > 0")
	}

	// Exec
	if c.Exec.TimeoutMS <= 0 {
		return errors.New("exec.timeout_ms must be > 0")
	}
	if c.Exec.TimeoutMS > c.Poll.CycleBudgetMS {
		return errors.New("exec.timeout_ms must be <= poll.cycle_budget_ms")
	}

	// Parser
	if _, err := parser.ParseReduction(c.Parser.ChannelReduction); err != nil {
		return fmt.Errorf("parser.channel_reduction: %w", err)
	}

	// Commands
	if err := c.Commands.Validate(); err != nil {
		return err
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// State websocket
	if c.StateWS.Enabled && c.StateWS.Listen == "" {
		return errors.New("state_ws.enabled is true but state_ws.listen is empty")
	}
	if c.StateWS.CoalesceMS < 0 {
		return errors.New("state_ws.coalesce_ms must be >= 0")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// PollInterval is Poll.IntervalMS as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMS) * time.Millisecond
}

// CycleBudget is Poll.CycleBudgetMS as a duration.
func (c *Config) CycleBudget() time.Duration {
	return time.Duration(c.Poll.CycleBudgetMS) * time.Millisecond
}

// ExecTimeout is Exec.TimeoutMS as a duration.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Exec.TimeoutMS) * time.Millisecond
}

// Reduction returns the validated channel reduction.
func (c *Config) Reduction() parser.Reduction {
	r, err := parser.ParseReduction(c.Parser.ChannelReduction)
	if err != nil {
		return parser.ReduceFirst
	}
	return r
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
