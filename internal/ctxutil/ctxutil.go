// Package ctxutil provides shared context key accessors.
//
// Transports (internal/server, the stdio context func) write into the context
// and internal/identity reads from it. Both import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/mcpgate/internal/model"
)

type contextKey string

const (
	keyIdentity  contextKey = "identity"
	keyAgentID   contextKey = "agent_id"
	keyRequestID contextKey = "request_id"
)

// WithIdentity returns a new context carrying a verified identity.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFromContext extracts the verified identity, if any.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	v, ok := ctx.Value(keyIdentity).(model.Identity)
	return v, ok
}

// WithAgentID returns a new context carrying a caller-supplied agent correlation tag.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyAgentID, agentID)
}

// AgentIDFromContext extracts the agent correlation tag, or "".
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyAgentID).(string); ok {
		return v
	}
	return ""
}

// WithRequestID returns a new context carrying the HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
