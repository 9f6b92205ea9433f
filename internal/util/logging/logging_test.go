//go:build unit

package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestZapLevel(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want zapcore.Level
	}{
		{in: slog.LevelDebug, want: zapcore.Level(-4)},
		{in: slog.LevelInfo, want: zapcore.InfoLevel},
		{in: slog.LevelWarn, want: zapcore.WarnLevel},
		{in: slog.LevelError, want: zapcore.ErrorLevel},
		{in: slog.LevelError + 4, want: zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ZapLevel(tt.in), "level=%s", tt.in)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetup(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := Setup(Options{Level: slog.LevelWarn})
	require.NoError(t, err)
	assert.False(t, logger.Enabled())
	assert.NotNil(t, logger.GetSink())

	assert.False(t, slog.Default().Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, slog.Default().Enabled(t.Context(), slog.LevelError))
}
