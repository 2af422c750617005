// Package logging provides structured logging for spallocd.
package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"
)

// Logger is the interface for structured logging used throughout spallocd.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithContext(ctx context.Context) Logger
}

// slogLogger wraps slog.Logger to implement Logger.
type slogLogger struct {
	logger *slog.Logger
}

// NewLogger creates a new logger with the specified configuration.
func NewLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level: config.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	logger := slog.New(handler).With(
		"service", "spallocd",
		"version", config.Version,
	)

	return &slogLogger{logger: logger}
}

func (l *slogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *slogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *slogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *slogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...)}
}

// WithContext attaches well-known correlation fields (request id, job id,
// BMP address, machine name) carried on ctx, if present.
func (l *slogLogger) WithContext(ctx context.Context) Logger {
	attrs := make([]any, 0, 8)
	for _, key := range []string{"request_id", "job_id", "bmp", "machine"} {
		if v := ctx.Value(ctxKey(key)); v != nil {
			attrs = append(attrs, key, v)
		}
	}
	if len(attrs) > 0 {
		return l.With(attrs...)
	}
	return l
}

type ctxKey string

// WithField stashes a correlation field on ctx for later pickup by WithContext.
func WithField(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, ctxKey(key), value)
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level.
	Level slog.Level

	// Format is the output format (text or json).
	Format Format

	// Output is where logs are written (default: os.Stdout).
	Output *os.File

	// Version is the daemon version to include in logs.
	Version string
}

// Format represents the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseLevel maps a config document's log.level string to a slog.Level,
// defaulting to Info for anything unrecognised.
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

// ParseFormat maps a config document's log.format string to a Format,
// defaulting to FormatText for anything unrecognised.
func ParseFormat(format string) Format {
	if format == string(FormatJSON) {
		return FormatJSON
	}
	return FormatText
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:   slog.LevelInfo,
		Format:  FormatText,
		Output:  os.Stdout,
		Version: "unknown",
	}
}

// sanitizeLogValue guards string values against log injection: newlines,
// carriage returns and tabs become spaces, and other control runes are
// removed.
func sanitizeLogValue(value any) any {
	str, ok := value.(string)
	if !ok {
		return value
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r) && !unicode.IsSpace(r):
			return -1
		default:
			return r
		}
	}, str)
}

func sanitizeFields(fields []any) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = sanitizeLogValue(f)
	}
	return out
}

// LogOperation returns a logger annotated with the given operation name.
func LogOperation(logger Logger, operation string, fields ...any) Logger {
	base := []any{"operation", sanitizeLogValue(operation)}
	return logger.With(append(base, sanitizeFields(fields)...)...)
}

// LogDuration logs the wall-clock duration of a completed operation.
func LogDuration(logger Logger, start time.Time, operation string) {
	d := time.Since(start)
	logger.Info("operation completed",
		"operation", operation,
		"duration_ms", d.Milliseconds(),
	)
}

// LogError logs an error annotated with the operation that produced it.
func LogError(logger Logger, err error, operation string, fields ...any) {
	if err == nil {
		return
	}
	base := []any{
		"operation", operation,
		"error", err.Error(),
		"error_type", getErrorType(err),
	}
	logger.Error("operation failed", append(base, sanitizeFields(fields)...)...)
}

func getErrorType(err error) string {
	if err == nil {
		return ""
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return "PathError"
	}
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return "SyscallError"
	}
	return fmt.Sprintf("%T", err)
}

// NoOpLogger discards all log messages; useful in tests.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...any)          {}
func (NoOpLogger) Info(msg string, args ...any)           {}
func (NoOpLogger) Warn(msg string, args ...any)           {}
func (NoOpLogger) Error(msg string, args ...any)          {}
func (NoOpLogger) With(args ...any) Logger                { return NoOpLogger{} }
func (NoOpLogger) WithContext(ctx context.Context) Logger { return NoOpLogger{} }

// DefaultLogger is a package-level logger for convenience.
var DefaultLogger = NewLogger(DefaultConfig())

// SetDefaultLogger replaces the package-level default logger.
func SetDefaultLogger(logger Logger) {
	DefaultLogger = logger
}
