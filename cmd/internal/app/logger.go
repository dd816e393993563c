package app

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the application-wide structured logger type.
type Logger = *slog.Logger

// NewLogger builds the process logger and installs it as the slog default.
// JSON with source attribution is the production shape; pretty is a
// dev-mode rendering for human eyes.
func NewLogger(level string, pretty bool) Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}

	var handler slog.Handler
	if pretty {
		color := os.Getenv("NO_COLOR") == ""
		handler = newPrettyHandler(os.Stdout, opts, color)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// parseLogLevel maps the RIPPLE_LOG_LEVEL value. Unknown values fall back
// to info instead of failing startup.
func parseLogLevel(s string) slog.Level {
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
