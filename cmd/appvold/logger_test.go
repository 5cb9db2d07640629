package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"error":   LogLevelError,
		"warn":    LogLevelWarn,
		"WARNING": LogLevelWarn,
		"info":    LogLevelInfo,
		" debug ": LogLevelDebug,
	}
	for in, want := range tests {
		got, err := parseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseLogLevel("verbose")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestSetupLogger_LevelFollowsLevelVar(t *testing.T) {
	logger, levelVar := setupLogger(LogLevelWarn)
	ctx := context.Background()

	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))

	levelVar.Set(LogLevelDebug.slogLevel())
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestLogLevel_SlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelError, LogLevelError.slogLevel())
	assert.Equal(t, slog.LevelInfo, LogLevel("bogus").slogLevel())
}
