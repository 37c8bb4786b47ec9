// Package logging builds the process-wide structured logger. Logs go to
// a caller-chosen writer (stderr in the binaries) so rendered plans and
// reports keep stdout to themselves.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a configured level name to its slog level. Matching is
// case-insensitive; an unrecognized name is an error so typos surface at
// config validation instead of silently logging at info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
}

// NewLogger returns a JSON logger writing to w at the given level. The
// level is assumed validated; an unparseable value falls back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
