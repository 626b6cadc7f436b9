package cli

import (
	"io"
	"log/slog"
	"strings"

	"github.com/danielpatrickdp/enzyme-grpo/internal/cluster"
)

// newLogger builds the process logger. --verbose forces debug. Workers never
// log below warn so that only the coordinator reports progress.
func newLogger(w io.Writer, level string, verbose bool, role cluster.Role) *slog.Logger {
	lvl := parseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	if !role.IsCoordinator() && lvl < slog.LevelWarn {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
