package main

// Defaults shared by DefaultConfig, the flag set and the usage text.
const (
	defaultPollIntervalMS    = 1000 // Sound server refresh cadence (ms)
	defaultCycleBudgetMS     = 2500 // Upper bound for one poll cycle, both queries included (ms)
	defaultExecTimeoutMS     = 2000 // Per-command timeout (ms)
	defaultStateWSListen     = "127.0.0.1:8765"
	defaultStateWSCoalesceMS = 50 // Coalescing window for state_changed frames (ms)

	minPollIntervalMS = 50
	maxPollIntervalMS = 60000

	// Config file edits often arrive as several events (truncate, write, rename);
	// reload once they settle.
	configReloadDebounceMS = 150
)
