package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type chatIdentityKey struct{}
type accountIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithChatIdentity attaches the transport-level chat identity to the context.
func WithChatIdentity(ctx context.Context, chatIdentity string) context.Context {
	return context.WithValue(ctx, chatIdentityKey{}, chatIdentity)
}

// ChatIdentity extracts the chat identity from context. Returns "" if absent.
func ChatIdentity(ctx context.Context) string {
	if v, ok := ctx.Value(chatIdentityKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAccountID attaches the authenticated account id to the context.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey{}, accountID)
}

// AccountID extracts the authenticated account id. Returns "" if absent.
func AccountID(ctx context.Context) string {
	if v, ok := ctx.Value(accountIDKey{}).(string); ok {
		return v
	}
	return ""
}
