package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide JSON logger. The HOMESENSE_LOG_LEVEL
// environment variable overrides the configured level, which keeps
// verbosity adjustable on deployments that mount a read-only config.
func NewLogger(level string) *slog.Logger {
	if env := os.Getenv("HOMESENSE_LOG_LEVEL"); env != "" {
		level = env
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h)
}

// ParseLevel maps a config level name to its slog level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
