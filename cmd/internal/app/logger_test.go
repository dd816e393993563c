package app

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	want := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"warn":     slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		" ERROR ":  slog.LevelError, // trimmed and case-folded
		"\tDebug ": slog.LevelDebug,
		"verbose":  slog.LevelInfo, // unknown falls back, never fails startup
		"":         slog.LevelInfo,
	}

	for in, lvl := range want {
		if got := parseLogLevel(in); got != lvl {
			t.Errorf("parseLogLevel(%q)=%v want=%v", in, got, lvl)
		}
	}
}

func TestNewLoggerGatesByLevel(t *testing.T) {
	log := NewLogger("warn", false)

	ctx := context.Background()
	if log.Enabled(ctx, slog.LevelInfo) {
		t.Fatal("info should be gated at warn level")
	}
	if !log.Enabled(ctx, slog.LevelWarn) {
		t.Fatal("warn should pass at warn level")
	}
}
