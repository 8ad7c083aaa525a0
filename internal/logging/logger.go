// Package logging provides structured logging for the sync core.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats accepted by Init.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

var (
	global *zap.Logger
	mu     sync.RWMutex
)

func init() {
	// Usable before Init is called; tests rely on this.
	global = zap.NewNop()
}

// Init configures the global logger.
// Unknown levels fall back to info, unknown formats to json.
func Init(level, format string) error {
	var cfg zap.Config
	switch strings.ToLower(format) {
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("logging: build logger: %w", err)
	}

	Set(logger)
	return nil
}

// Set replaces the global logger. A nil logger installs a no-op logger.
func Set(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	global = logger
}

// L returns the global logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Sync flushes buffered log entries.
func Sync() error {
	return L().Sync()
}

// WithModule returns a child logger annotated with the module name.
func WithModule(module string) *zap.Logger {
	return L().With(zap.String("module", module))
}

// Or returns logger when non-nil, otherwise a module logger derived from the global one.
func Or(logger *zap.Logger, module string) *zap.Logger {
	if logger != nil {
		return logger
	}
	return WithModule(module)
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, err error, fields ...zap.Field) {
	L().Error(msg, append(fields, zap.Error(err))...)
}

// ErrorWithCode logs an error annotated with a taxonomy code.
func ErrorWithCode(msg, code string, err error, fields ...zap.Field) {
	L().Error(msg, append(fields, zap.String("error_code", code), zap.Error(err))...)
}
