// Package requestid propagates a per-request correlation ID via context.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// WithRequestID stores id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request ID in ctx, minting a fresh one when
// the context carries none.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New mints a request ID and returns it together with the enriched context.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}
