package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mcpgate/internal/auth"
	"github.com/ashita-ai/mcpgate/internal/ctxutil"
	"github.com/ashita-ai/mcpgate/internal/model"
)

// maxAgentIDLen bounds caller-supplied X-Agent-ID values.
const maxAgentIDLen = 128

// Authenticator verifies transport credentials and attaches the resulting
// identity to the request context. Bad credentials never fail a request;
// the caller simply stays unidentified.
type Authenticator struct {
	tokens *auth.JWTManager
	keys   *auth.Keyring
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator. Either verifier may be nil.
func NewAuthenticator(tokens *auth.JWTManager, keys *auth.Keyring, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{tokens: tokens, keys: keys, logger: logger}
}

// Authenticate verifies a bearer credential, which is either a JWT or an API key.
func (a *Authenticator) Authenticate(credential string) (model.Identity, bool) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return model.Identity{}, false
	}
	if strings.Count(credential, ".") == 2 && a.tokens != nil {
		claims, err := a.tokens.ValidateToken(credential)
		if err != nil {
			a.logger.Debug("identity: token rejected", "error", err)
			return model.Identity{}, false
		}
		return model.Identity{ID: claims.Subject, Role: claims.Role, Source: "jwt"}, true
	}
	return a.verifyKey(credential)
}

func (a *Authenticator) verifyKey(key string) (model.Identity, bool) {
	if a.keys == nil {
		return model.Identity{}, false
	}
	entry, ok := a.keys.Verify(key)
	if !ok {
		a.logger.Debug("identity: api key rejected")
		return model.Identity{}, false
	}
	return model.Identity{ID: entry.UserID, Role: entry.Role, Source: "api_key"}, true
}

// HTTPContextFunc reads Authorization, X-API-Key, X-Agent-ID and X-Request-ID
// from each streamable HTTP request.
func (a *Authenticator) HTTPContextFunc() server.HTTPContextFunc {
	return func(ctx context.Context, r *http.Request) context.Context {
		if id, ok := a.fromHeaders(r.Header); ok {
			ctx = ctxutil.WithIdentity(ctx, id)
		}
		if tag := r.Header.Get("X-Agent-ID"); tag != "" && len(tag) <= maxAgentIDLen {
			ctx = ctxutil.WithAgentID(ctx, tag)
		}
		if rid := r.Header.Get("X-Request-ID"); rid != "" {
			ctx = ctxutil.WithRequestID(ctx, rid)
		}
		return ctx
	}
}

func (a *Authenticator) fromHeaders(h http.Header) (model.Identity, bool) {
	if authz := h.Get("Authorization"); authz != "" {
		scheme, cred, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return a.Authenticate(cred)
		}
		return model.Identity{}, false
	}
	if key := h.Get("X-API-Key"); key != "" {
		return a.verifyKey(key)
	}
	return model.Identity{}, false
}

// StdioContextFunc verifies credential once and binds the result to every
// operation on the stdio session. An empty or invalid credential leaves the
// session unidentified.
func (a *Authenticator) StdioContextFunc(credential string) server.StdioContextFunc {
	id, ok := a.Authenticate(credential)
	switch {
	case credential == "":
		a.logger.Info("identity: no stdio credential configured, stdio caller is unidentified")
	case !ok:
		a.logger.Warn("identity: stdio credential rejected, stdio caller is unidentified")
	default:
		a.logger.Info("identity: stdio session bound", "user_id", id.ID, "source", id.Source)
	}
	return func(ctx context.Context) context.Context {
		if ok {
			ctx = ctxutil.WithIdentity(ctx, id)
		}
		return ctx
	}
}
