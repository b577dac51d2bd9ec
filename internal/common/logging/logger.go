// Package logging provides structured logging using zap
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
)

// NewDefaultLogger creates a logger with default configuration using zap
func NewDefaultLogger() Logger {
	logger, err := NewZapLogger(DefaultLogConfig())
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default zap logger: %v", err))
	}
	return logger
}

// InitGlobalLogger initializes the global logger from LOG_LEVEL, LOG_FORMAT and LOG_FILE.
// Without LOG_FILE the logger writes to stdout.
func InitGlobalLogger() {
	InitGlobalLoggerTo(nil)
}

// InitGlobalLoggerTo is InitGlobalLogger writing to out instead of stdout; LOG_FILE still wins
func InitGlobalLoggerTo(out io.Writer) {
	config := DefaultLogConfig()
	config.Name = "ci-replicator"
	config.Output = out

	if logFileName := os.Getenv("LOG_FILE"); logFileName != "" {
		file, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			panic(fmt.Sprintf("failed to open log file %s: %v", logFileName, err))
		}
		config.Output = file
	}

	logger, err := NewZapLogger(config)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	SetGlobalLogger(logger)
	initOnce.Do(func() {})

	logger.Debug("Logger initialized",
		Field{"level", config.Level.String()},
		Field{"json", config.JSON},
	)
}

// MustSync flushes any buffered log entries for zap loggers.
// Call before application exit.
func MustSync() {
	if zapLogger, ok := GetGlobalLogger().(*ZapAdapter); ok {
		_ = zapLogger.Sync()
	}
}

// WithContext is a convenience function to add context to the global logger
func WithContext(ctx context.Context) Logger {
	return GetGlobalLogger().WithContext(ctx)
}

// WithFields is a convenience function to add fields to the global logger
func WithFields(fields ...Field) Logger {
	return GetGlobalLogger().WithFields(fields...)
}

// Err creates an error field with key "error"
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}
