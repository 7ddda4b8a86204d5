// Package log carries the shared slog plumbing: handler construction from
// config and a context-scoped logger for code paths that outlive their
// caller (stream callbacks, reconcile passes).
package log

import (
	"context"
	"io"
	"log/slog"
)

type ctxLoggerKey struct{}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// NewHandler builds the process-wide slog handler. Unknown levels fall back
// to info rather than failing startup.
func NewHandler(w io.Writer, level string, jsonFormat bool) slog.Handler {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelInfo
		}
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if jsonFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
