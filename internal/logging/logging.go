// Package logging builds the process-wide zap logger for the sync
// provider. Long-lived components log through a named child from Named;
// free functions use the package-level helpers, which write through the
// root logger.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the sink and verbosity of the root logger.
type Config struct {
	Level   string // debug, info, warn, error
	Console bool   // human-readable output instead of JSON lines
	File    string // optional log file; stderr when empty
}

var (
	mu   sync.RWMutex
	root *zap.Logger
)

// Init builds the root logger. Called once at startup, before any
// component starts logging.
func Init(cfg Config) error {
	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
			return fmt.Errorf("unknown log level %q", cfg.Level)
		}
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Console {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	logger := zap.New(
		zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(lvl)),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	mu.Lock()
	root = logger
	mu.Unlock()
	return nil
}

// rootLogger returns the root, building a plain stderr logger on first use
// when Init was never called (tests, early startup failures).
func rootLogger() *zap.Logger {
	mu.RLock()
	logger := root
	mu.RUnlock()
	if logger != nil {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		root = zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zapcore.InfoLevel))
	}
	return root
}

// Named returns a child logger tagged with the component name, for
// components that hold a logger across their lifetime.
func Named(component string) *zap.Logger {
	return rootLogger().Named(component)
}

// Sync flushes any buffered entries.
func Sync() error {
	return rootLogger().Sync()
}

// helper returns the root configured to report the call site of the
// package-level helper's caller.
func helper() *zap.Logger {
	return rootLogger().WithOptions(zap.AddCallerSkip(1))
}

// Debug logs a debug message through the root logger.
func Debug(msg string, fields ...zap.Field) {
	helper().Debug(msg, fields...)
}

// Info logs an info message through the root logger.
func Info(msg string, fields ...zap.Field) {
	helper().Info(msg, fields...)
}

// Warn logs a warning through the root logger.
func Warn(msg string, fields ...zap.Field) {
	helper().Warn(msg, fields...)
}

// Error logs an error through the root logger.
func Error(msg string, fields ...zap.Field) {
	helper().Error(msg, fields...)
}

// Fatal logs through the root logger and exits.
func Fatal(msg string, fields ...zap.Field) {
	helper().Fatal(msg, fields...)
}
