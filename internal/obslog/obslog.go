// Package obslog configures the process-wide structured logger used by every
// component in this module. Components never reach for a package-global
// logger; they're handed a *slog.Logger at construction time, and this
// package only exists to build that logger consistently at the process
// boundary (cmd/silo, tests, etc).
package obslog

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a *slog.Logger writing text-formatted records to stderr at the
// given level, with siloID/address attached to every record it emits.
func New(level, siloID, address string) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h).With(
		slog.String("silo_id", siloID),
		slog.String("address", address),
	)
}

// Noop returns a logger that discards everything, useful for tests that don't
// care about log output.
func Noop() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
