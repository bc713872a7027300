// Package observability provides structured logging and metrics.
//
// Logger wraps log/slog with a persistent component field. Metrics exports
// Prometheus collectors for store operations and invocations, and Stats
// keeps a rolling window of recent invocations for the dashboard.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog with a persistent component name.
type Logger struct {
	base      *slog.Logger // handler plus persistent fields, no component
	inner     *slog.Logger
	component string
}

func newLogger(base *slog.Logger, component string) *Logger {
	return &Logger{
		base:      base,
		inner:     base.With(slog.String("component", component)),
		component: component,
	}
}

// ParseLevel maps a level name to a slog level. Unknown names yield INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewLogger creates a JSON logger for a component.
// Output defaults to os.Stderr if w is nil.
func NewLogger(component string, w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return NewLoggerWithHandler(component, handler)
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(component string, h slog.Handler) *Logger {
	return newLogger(slog.New(h), component)
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLogger("discard", io.Discard, slog.LevelError+1)
}

// With returns a new Logger with an additional persistent field.
func (l *Logger) With(key string, value any) *Logger {
	return newLogger(l.base.With(slog.Any(key, value)), l.component)
}

// Named returns a logger for a sub-component sharing the same handler.
func (l *Logger) Named(component string) *Logger {
	return newLogger(l.base, component)
}

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// StoreEvent logs a store mutation or lookup.
func (l *Logger) StoreEvent(op, name string, fileID int, err error, args ...any) {
	all := append([]any{
		slog.String("op", op),
		slog.String("function", name),
		slog.Int("file", fileID),
	}, args...)
	if err != nil {
		l.inner.Warn("store", append(all, slog.String("error", err.Error()))...)
		return
	}
	l.inner.Info("store", all...)
}

// InvokeEvent logs the outcome of an invocation.
func (l *Logger) InvokeEvent(name string, fileID int, status string, elapsedMs, peakMemory int64, args ...any) {
	all := append([]any{
		slog.String("function", name),
		slog.Int("file", fileID),
		slog.String("status", status),
		slog.Int64("elapsed_ms", elapsedMs),
		slog.Int64("peak_memory_delta", peakMemory),
	}, args...)
	if status != "ok" {
		l.inner.Warn("invoke", all...)
		return
	}
	l.inner.Info("invoke", all...)
}

// Slog exposes the underlying slog.Logger, e.g. for http.Server.ErrorLog.
func (l *Logger) Slog() *slog.Logger { return l.inner }

// Component returns the component name associated with this logger.
func (l *Logger) Component() string { return l.component }
