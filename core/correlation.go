package core

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type correlationKey struct{}

// NewCorrelationID returns a fresh opaque tracing token.
func NewCorrelationID() string {
	return uuid.NewString()
}

func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationKey{}, strings.TrimSpace(correlationID))
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(correlationKey{}).(string)
	return value
}

// ResolveCorrelationID prefers an explicit value, then the context, then a
// freshly generated id.
func ResolveCorrelationID(ctx context.Context, explicit string) string {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return trimmed
	}
	if fromCtx := CorrelationIDFromContext(ctx); fromCtx != "" {
		return fromCtx
	}
	return NewCorrelationID()
}

type actorKey struct{}

// ContextWithActor tags ctx with the operator performing an audited action.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey{}, strings.TrimSpace(actor))
}

func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(actorKey{}).(string)
	return value
}
