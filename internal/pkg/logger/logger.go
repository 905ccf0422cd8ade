package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var defaultLogger *slog.Logger

// Initialize creates the process logger and installs it as the slog default.
// Production logs JSON at info; anything else logs text with source at debug.
// A non-empty level overrides the environment default.
func Initialize(env, level string) *slog.Logger {
	return initialize(os.Stdout, env, level)
}

func initialize(w io.Writer, env, level string) *slog.Logger {
	production := env == "production"

	opts := &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: !production,
	}
	if production {
		opts.Level = slog.LevelInfo
	}
	if parsed, ok := ParseLevel(level); ok {
		opts.Level = parsed
	}

	var handler slog.Handler
	if production {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)

	return defaultLogger
}

// ParseLevel accepts debug, info, warn/warning and error in any case
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// Get returns the process logger, initializing a development one if needed
func Get() *slog.Logger {
	if defaultLogger == nil {
		return Initialize("development", "")
	}
	return defaultLogger
}

// NewServiceLogger tags every record with the binary or component name
func NewServiceLogger(serviceName string) *slog.Logger {
	return Get().With(slog.String("service", serviceName))
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
