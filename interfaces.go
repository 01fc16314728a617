package mcpgate

import "context"

// IdentityProvider exposes the verified caller identity a host framework
// attached to the request context. When provided via WithIdentityProvider it
// replaces the built-in JWT and API key authenticator as the identity source.
type IdentityProvider interface {
	Identity(ctx context.Context) (Identity, bool)
}

// RoleClassifier decides what an unverified caller is treated as. It is
// consulted only when no verified identity exists. Returning false leaves the
// caller an anonymous guest.
type RoleClassifier interface {
	Classify(ctx context.Context) (Principal, bool)
}

// AuditStore persists batches of audit events. When provided via
// WithAuditStore it replaces the configured sqlite or postgres store.
// InsertEvents is called from a single background goroutine.
type AuditStore interface {
	InsertEvents(ctx context.Context, events []AuditEvent) (int64, error)
	Close() error
}
