// Package logging sets up the process-wide structured logger, the way
// the teacher's utils.InicializarLogger does: a level parsed from a
// string, a text handler to stdout, tagged with the module name.
package logging

import (
	"log/slog"
	"os"
)

// Init configures slog's default logger at the given level, tagged
// with module, and returns it for callers that want a handle instead
// of going through slog's package-level functions.
func Init(level, module string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler).With("module", module)
	slog.SetDefault(logger)
	return logger
}
