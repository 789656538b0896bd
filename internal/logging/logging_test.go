package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"INFO":     slog.LevelInfo,
		"warn":     slog.LevelWarn,
		"Warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"verbose?": slog.LevelInfo,
		"":         slog.LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestEnvOverridesConfiguredLevel(t *testing.T) {
	t.Setenv("HOMESENSE_LOG_LEVEL", "debug")
	logger := NewLogger("error")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("HOMESENSE_LOG_LEVEL=debug should enable debug logging")
	}
}
