package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx returns the logger stored in ctx, or the global logger.
func Ctx(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	return L()
}

// Enrich stores a child of ctx's logger carrying fields, so that every later
// log.Ctx(ctx) line includes them.
func Enrich(ctx context.Context, fields map[string]interface{}) context.Context {
	l := Ctx(ctx)
	return WithLogger(ctx, l.With().Fields(fields).Logger())
}
