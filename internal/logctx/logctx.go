package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey     contextKey = "logger"
	downloadIDKey contextKey = "download_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithDownloadID tags ctx with the download it works on and binds the id to
// the context logger. Tagging the same id twice is a no-op.
func WithDownloadID(ctx context.Context, id string) context.Context {
	if DownloadIDFromContext(ctx) == id {
		return ctx
	}

	ctx = context.WithValue(ctx, downloadIDKey, id)

	return WithLogger(ctx, LoggerFromContext(ctx).With(slog.String("download_id", id)))
}

// DownloadIDFromContext returns the download id set by WithDownloadID, or "".
func DownloadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(downloadIDKey).(string)

	return id
}
