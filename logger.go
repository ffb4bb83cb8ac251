// Package ensemble logging follows the structured key-value convention used
// across the framework: every message is accompanied by alternating
// key/value pairs, which maps directly onto slog, zap's sugared logger,
// logrus fields and similar libraries.
package ensemble

import (
	"log/slog"
	"os"
)

// Logger defines the interface for application and service logging.
// All runtime operations (startup progress, dependency resolution, scheduler
// firings, task server outcomes) are logged through this interface, so the
// embedding application controls how framework logs appear.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	//
	// Example:
	//	logger.Info("service started", "service", "database")
	Info(msg string, args ...any)

	// Error logs an error with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostic information, typically disabled in
	// production.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// defaultLogLevel applies when no logger is configured.
const defaultLogLevel = slog.LevelInfo

// NewSlogLogger wraps an existing slog logger.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

// DefaultLogger returns a text slog logger writing to stderr at the given
// level. It is used by NewApplication when no logger option is supplied.
func DefaultLogger(level slog.Level) *SlogLogger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &SlogLogger{logger: slog.New(handler)}
}

// With returns a logger carrying additional key-value context.
func (l *SlogLogger) With(args ...any) *SlogLogger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// ParseLogLevel maps a config log-level string onto a slog level. Unknown
// values fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN", "warning", "WARNING":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
