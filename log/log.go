package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// loggerKey is the context key for storing the logger.
	loggerKey contextKey = "logger"

	// FormatJSON selects the JSON handler.
	FormatJSON = "json"

	// FormatText selects the logfmt style text handler.
	FormatText = "text"

	// log file rotation defaults.
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
	logFileMaxAgeDays = 28
)

var (
	// defaultLogger is the fallback logger when none is found in context.
	defaultLogger *slog.Logger //nolint:gochecknoglobals // Thread-safe: protected by sync.Once

	// loggerOnce ensures we only initialize the default logger once.
	loggerOnce sync.Once //nolint:gochecknoglobals // Thread-safe: sync.Once is inherently safe

	// fallbackLogger is used when defaultLogger is nil.
	fallbackLogger *slog.Logger //nolint:gochecknoglobals // Thread-safe: protected by sync.Once

	// fallbackOnce ensures we only create the fallback logger once.
	fallbackOnce sync.Once //nolint:gochecknoglobals // Thread-safe: sync.Once is inherently safe
)

// Options configures the default logger.
type Options struct {
	Debug  bool
	Format string

	// File, when set, receives log output with size based rotation instead
	// of stderr.
	File string
}

// InitializeLogger sets up the global default logger.
func InitializeLogger(opts Options) {
	loggerOnce.Do(func() {
		defaultLogger = NewLogger(output(opts.File), opts)
		slog.SetDefault(defaultLogger)
	})
}

// NewLogger builds a redacting logger writing to out.
func NewLogger(out io.Writer, opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if IsSensitiveKey(attr.Key) {
				return slog.Attr{Key: attr.Key, Value: slog.StringValue("[REDACTED]")}
			}

			return attr
		},
	}

	if strings.EqualFold(opts.Format, FormatText) {
		return slog.New(slog.NewTextHandler(out, handlerOpts))
	}

	return slog.New(slog.NewJSONHandler(out, handlerOpts))
}

// output picks where log lines go. Stdout is reserved for command output.
func output(file string) io.Writer {
	if file == "" {
		return os.Stderr
	}

	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
	}
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithValues returns a context with a logger that includes additional key-value pairs.
func WithValues(ctx context.Context, keysAndValues ...any) context.Context {
	logger := fromContext(ctx).With(keysAndValues...)

	return WithLogger(ctx, logger)
}

// WithName returns a context with a logger that includes an additional name component.
func WithName(ctx context.Context, name string) context.Context {
	logger := fromContext(ctx).WithGroup(name)

	return WithLogger(ctx, logger)
}

// fromContext retrieves the logger from context or returns default.
func fromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}

	if defaultLogger == nil {
		fallbackOnce.Do(func() {
			fallbackLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			}))
		})

		return fallbackLogger
	}

	return defaultLogger
}

// Info logs an info message with key-value pairs.
func Info(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).InfoContext(ctx, msg, keysAndValues...)
}

// Error logs an error message with key-value pairs.
func Error(ctx context.Context, err error, msg string, keysAndValues ...any) {
	allArgs := append([]any{"error", err}, keysAndValues...)
	fromContext(ctx).ErrorContext(ctx, msg, allArgs...)
}

// Debug logs a debug message with key-value pairs.
func Debug(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).DebugContext(ctx, msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs.
func Warn(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).WarnContext(ctx, msg, keysAndValues...)
}

// IsSensitiveKey checks if a log key contains sensitive information.
func IsSensitiveKey(key string) bool {
	// Count and identifier style keys that happen to contain a sensitive word.
	safeKeys := []string{
		"key_id",
		"keys",
		"collection_keys",
		"token_expires_at",
		"token_valid",
		"has_refresh_token",
		"password_records",
	}

	keyLower := strings.ToLower(key)

	for _, safe := range safeKeys {
		if keyLower == safe {
			return false
		}
	}

	sensitiveKeys := []string{
		"secret", "password", "token", "key", "auth", "credential",
		"bearer", "hawk", "otp", "totp", "kb", "stretch", "unwrap",
		"bundle", "authorization", "assertion", "api_key",
	}

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}

	return false
}
