package log

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// LoggerFromContext extracts a logger previously stored with
// [ContextWithLogger].
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	return l, ok
}

// Loggable is implemented by types that carry their own logger.
type Loggable interface {
	Log() *slog.Logger
}

// LoggerFromValues picks the most specific logger available: the first
// value exposing its own logger via [Loggable], then the context logger,
// then [Default].
func LoggerFromValues(ctx context.Context, vals ...any) *slog.Logger {
	for _, v := range vals {
		if lv, ok := v.(Loggable); ok && lv != nil {
			if l := lv.Log(); l != nil {
				return l
			}
		}
	}
	if l, ok := LoggerFromContext(ctx); ok {
		return l
	}
	return Default()
}
