package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level LogLevel) (Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logger, err := NewZapLogger(LogConfig{Level: level, Output: buf})
	require.NoError(t, err)
	return logger, buf
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLevel("ERROR"))
	assert.Equal(t, InfoLevel, ParseLevel("garbage"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
}

func TestLogLevelFiltering(t *testing.T) {
	logger, buf := newTestLogger(t, WarnLevel)

	logger.Debug("debug msg")
	logger.Info("info msg")
	logger.Warn("warn msg")
	logger.Error("error msg", nil)

	output := buf.String()
	assert.NotContains(t, output, "debug msg")
	assert.NotContains(t, output, "info msg")
	assert.Contains(t, output, "warn msg")
	assert.Contains(t, output, "error msg")
}

func TestWithFields(t *testing.T) {
	logger, buf := newTestLogger(t, InfoLevel)

	enriched := logger.WithFields(Field{"workflow_id", "sync-customers"})
	enriched.Info("step started", Field{"step_id", "fetch"})

	output := buf.String()
	assert.Contains(t, output, "step started")
	assert.Contains(t, output, "sync-customers")
	assert.Contains(t, output, "fetch")
}

func TestWithContext(t *testing.T) {
	logger, buf := newTestLogger(t, InfoLevel)

	ctx := context.Background()
	ctx = context.WithValue(ctx, "trace_id", "trace-123")
	ctx = context.WithValue(ctx, "run_id", "run-456")

	logger.WithContext(ctx).Info("executing")

	output := buf.String()
	assert.Contains(t, output, "trace-123")
	assert.Contains(t, output, "run-456")
}

func TestWithContext_IgnoresNonStringValues(t *testing.T) {
	logger, buf := newTestLogger(t, InfoLevel)

	ctx := context.WithValue(context.Background(), "trace_id", 123)
	logger.WithContext(ctx).Info("executing")

	assert.NotContains(t, buf.String(), "trace_id")
}

func TestErrorField(t *testing.T) {
	logger, buf := newTestLogger(t, InfoLevel)

	logger.Error("request failed", assert.AnError, Int("status", 503))

	output := buf.String()
	assert.Contains(t, output, "request failed")
	assert.Contains(t, output, "503")
	assert.Contains(t, output, assert.AnError.Error())
}

func TestGlobalLogger(t *testing.T) {
	logger, buf := newTestLogger(t, DebugLevel)
	prev := GetGlobalLogger()
	SetGlobalLogger(logger)
	defer SetGlobalLogger(prev)

	Debug("d")
	Info("i")
	Warn("w")
	Error("e", nil)

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	assert.Equal(t, 4, lines)
}
