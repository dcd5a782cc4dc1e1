// Package logging builds the daemon's slog logger. The sync engine logs
// connection lifecycle at Info and per-message traffic at Debug, so the
// default level follows the environment and HISTSYNC_LOG_LEVEL forces it
// either way.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the logger for the given environment: JSON at Info
// for production, text at Debug everywhere else. HISTSYNC_LOG_LEVEL
// (debug, info, warn, error) overrides the environment default.
func NewLogger(env string) *slog.Logger {
	level := slog.LevelDebug
	if env == "production" {
		level = slog.LevelInfo
	}

	if override, ok := parseLevel(os.Getenv("HISTSYNC_LOG_LEVEL")); ok {
		level = override
	}

	opts := &slog.HandlerOptions{Level: level}

	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
