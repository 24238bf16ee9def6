package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger tagged with kmsID. Format is "json"
// or "text". Level is one of: debug, info, warn, error. Every record this
// logger emits carries kms_id automatically; with two KME processes
// (master-side and slave-side) typically running against the same
// aggregator, a bare timestamp/level/message line can't be attributed to a
// process without it, so call sites no longer need to pass "kms_id"
// themselves.
func NewLogger(format, level, kmsID string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	var w io.Writer = os.Stdout
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("kms_id", kmsID)
}
