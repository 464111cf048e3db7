// Package log configures structured logging for all outflow binaries. Every
// record carries a service=outflow attribute so worker and reaper output can
// be separated from neighbors on a shared log pipeline.
package log

import (
	"io"
	"log/slog"
	"os"
)

const serviceName = "outflow"

// Setup installs the process-wide default logger.
func Setup(logLevel string) {
	slog.SetDefault(New(os.Stderr, logLevel))
}

// New builds an outflow logger writing to w.
func New(w io.Writer, logLevel string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	})

	return slog.New(handler).With("service", serviceName)
}

// WithModule returns the default logger scoped to one component.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

func parseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
