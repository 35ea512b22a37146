// Package reqid carries the HTTP request correlation id through contexts.
package reqid

import (
	"context"
	"log/slog"
)

type key struct{}

func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key{}, id)
}

// From returns the request id stored by With, if any.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(key{}).(string)
	return s, ok && s != ""
}

// Logger returns l annotated with the request id from ctx.
func Logger(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id, ok := From(ctx); ok {
		return l.With("request_id", id)
	}
	return l
}
