package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ContextKey type for context keys
type ContextKey string

const (
	// WorkerIDKey is the context key for the worker owner id
	WorkerIDKey ContextKey = "worker_id"
	// ComponentKey is the context key for component name
	ComponentKey ContextKey = "component"
	// RequestIDKey is the context key for HTTP request id
	RequestIDKey ContextKey = "request_id"
)

// Logger wraps slog.Logger with additional functionality
type Logger struct {
	*slog.Logger
}

// New creates a new logger instance
func New(level, format, output string, enableJSON bool) (*Logger, error) {
	var writer io.Writer
	switch output {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		writer = file
	}
	return NewWithWriter(writer, level, format, enableJSON), nil
}

// NewWithWriter creates a logger writing to the given writer
func NewWithWriter(writer io.Writer, level, format string, enableJSON bool) *Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if enableJSON || format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// ParseLevel maps a level name to slog.Level, unknown names map to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a logger carrying the given attributes on every record
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	var args []any
	for _, key := range []ContextKey{WorkerIDKey, ComponentKey, RequestIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, slog.String(string(key), v))
		}
	}

	if len(args) == 0 {
		return l.Logger
	}

	return l.Logger.With(args...)
}

// WithComponent creates a new logger with component field
func (l *Logger) WithComponent(component string) *slog.Logger {
	return l.Logger.With(slog.String("component", component))
}

// WithError creates a new logger with error field
func (l *Logger) WithError(err error) *slog.Logger {
	return l.Logger.With(slog.String("error", err.Error()))
}

// Fatal logs the message at error level and exits the process with the given code
func (l *Logger) Fatal(code int, msg string, args ...any) {
	l.Logger.Error(msg, args...)
	os.Exit(code)
}

// Discard returns a logger dropping every record, used by tests
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
