// Package identity derives the principal of each intercepted operation from
// its request context. Resolution never fails: callers the host cannot
// identify fall back to the least-privileged principal.
package identity

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mcpgate/internal/ctxutil"
	"github.com/ashita-ai/mcpgate/internal/model"
)

// Provider exposes the verified caller identity the host framework attached
// to a request, if there is one.
type Provider interface {
	Identity(ctx context.Context) (model.Identity, bool)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (model.Identity, bool)

// Identity implements Provider.
func (f ProviderFunc) Identity(ctx context.Context) (model.Identity, bool) { return f(ctx) }

// ContextProvider reads the identity placed in the context by a transport
// context func (see Authenticator).
type ContextProvider struct{}

// Identity implements Provider.
func (ContextProvider) Identity(ctx context.Context) (model.Identity, bool) {
	return ctxutil.IdentityFromContext(ctx)
}

// Resolver turns a request context into a Principal.
type Resolver struct {
	provider   Provider
	classifier RoleClassifier
	logger     *slog.Logger
}

// NewResolver creates a resolver. A nil provider reads the context; a nil
// classifier classifies nobody.
func NewResolver(provider Provider, classifier RoleClassifier, logger *slog.Logger) *Resolver {
	if provider == nil {
		provider = ContextProvider{}
	}
	if classifier == nil {
		classifier = NoClassifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{provider: provider, classifier: classifier, logger: logger}
}

// Resolve derives the principal for one operation. Order: verified identity,
// then the role classifier, then anonymous guest. The agent ID is unique per
// call unless the classifier or the caller supplied a correlation tag.
func (r *Resolver) Resolve(ctx context.Context) model.Principal {
	p, source := r.principal(ctx)
	if p.AgentID == "" {
		p.AgentID = agentID(ctx)
	}
	r.logger.Debug("identity: resolved",
		"user_id", p.UserID, "role", p.Role, "agent_id", p.AgentID, "source", source)
	return p
}

func (r *Resolver) principal(ctx context.Context) (model.Principal, string) {
	if id, ok := r.provider.Identity(ctx); ok && id.ID != "" {
		source := id.Source
		if source == "" {
			source = "provider"
		}
		return model.Principal{UserID: id.ID, Role: model.ParseRole(id.Role)}, source
	}
	if p, ok := r.classifier.Classify(ctx); ok {
		if p.UserID == "" {
			p.UserID = model.AnonymousUserID
		}
		if p.Role == "" {
			p.Role = model.RoleGuest
		}
		return p, "classifier"
	}
	return model.AnonymousPrincipal(), "anonymous"
}

func agentID(ctx context.Context) string {
	if tag := ctxutil.AgentIDFromContext(ctx); tag != "" {
		return tag
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		if sid := session.SessionID(); sid != "" {
			return sid + "/" + uuid.NewString()
		}
	}
	return "agent-" + uuid.NewString()
}
