package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observe swaps the global logger for an in-memory observer for the duration of the test.
func observe(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()

	prev := L()
	core, logs := observer.New(level)
	Set(zap.New(core))
	t.Cleanup(func() { Set(prev) })
	return logs
}

// =====================================================
// Init Tests
// =====================================================

func TestInit(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Set(prev) })

	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"json info", "info", FormatJSON},
		{"console debug", "debug", FormatConsole},
		{"unknown level falls back", "loud", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, Init(tt.level, tt.format))
			assert.NotNil(t, L())
		})
	}
}

func TestSetNil(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Set(prev) })

	Set(nil)
	require.NotNil(t, L())
	L().Info("dropped")
}

// =====================================================
// Global Function Tests
// =====================================================

func TestGlobalFunctions(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	Debug("debug message", zap.String("k", "v"))
	Info("info message")
	Warn("warn message")
	Error("error message", errors.New("boom"))
	ErrorWithCode("coded message", "REMOTE_AUTH", errors.New("denied"), zap.String("entity_id", "order-1"))

	entries := logs.All()
	require.Len(t, entries, 5)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "v", entries[0].ContextMap()["k"])
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])

	coded := entries[4].ContextMap()
	assert.Equal(t, "REMOTE_AUTH", coded["error_code"])
	assert.Equal(t, "order-1", coded["entity_id"])
}

func TestMinimumLevel(t *testing.T) {
	logs := observe(t, zapcore.WarnLevel)

	Debug("hidden")
	Info("hidden")
	Warn("shown")

	assert.Equal(t, 1, logs.Len())
}

func TestWithModule(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)

	WithModule("cache").Info("hello")
	Or(nil, "queue").Info("fallback")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "cache", entries[0].ContextMap()["module"])
	assert.Equal(t, "queue", entries[1].ContextMap()["module"])

	custom := zap.NewNop()
	assert.Same(t, custom, Or(custom, "ignored"))
}
