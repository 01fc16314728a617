// Package mcpgate is the public API for embedding the mcpgate authorization
// gateway: an MCP server whose tool calls, tool listings and resource reads
// are each authorized by an external policy decision point.
//
//	app, err := mcpgate.New(
//	    mcpgate.WithVersion(version),
//	    mcpgate.WithLogger(logger),
//	    mcpgate.WithRoleClassifier(myClassifier{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types
// (Identity, Principal, AuditEvent) carry no internal imports; the adapters
// at the bottom of this file convert across the boundary.
package mcpgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mcpgate/internal/audit"
	"github.com/ashita-ai/mcpgate/internal/auth"
	"github.com/ashita-ai/mcpgate/internal/config"
	"github.com/ashita-ai/mcpgate/internal/guard"
	"github.com/ashita-ai/mcpgate/internal/identity"
	"github.com/ashita-ai/mcpgate/internal/logging"
	"github.com/ashita-ai/mcpgate/internal/mcp"
	"github.com/ashita-ai/mcpgate/internal/model"
	"github.com/ashita-ai/mcpgate/internal/pdp"
	"github.com/ashita-ai/mcpgate/internal/ratelimit"
	"github.com/ashita-ai/mcpgate/internal/server"
	"github.com/ashita-ai/mcpgate/internal/storage"
	"github.com/ashita-ai/mcpgate/internal/telemetry"
)

const (
	shutdownHTTPTimeout  = 10 * time.Second
	shutdownDrainTimeout = 10 * time.Second
	shutdownStdioTimeout = 10 * time.Second
)

// App is a fully wired mcpgate server.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	logCloser    io.Closer
	otelShutdown telemetry.Shutdown

	store    audit.Store
	buf      *audit.Buffer
	recorder *audit.Recorder

	authenticator *identity.Authenticator
	guard         *guard.Guard
	mcp           *mcp.Server
	http          *server.Server
	limiter       ratelimit.Limiter

	stdin  io.Reader
	stdout io.Writer
}

// New wires configuration, logging, telemetry, the audit pipeline, identity,
// the policy client, the enforcement layer and the configured transport.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	ctx := context.Background()

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	a := &App{cfg: cfg, version: cfg.Server.Version, stdin: o.stdin, stdout: o.stdout}
	if o.version != "" {
		a.version = o.version
	}
	if a.stdin == nil {
		a.stdin = os.Stdin
	}
	if a.stdout == nil {
		a.stdout = os.Stdout
	}

	// Stdout carries the stdio protocol, so console logs always go to stderr.
	if o.logger != nil {
		a.logger = o.logger
		a.logCloser = nopCloser{}
	} else {
		logger, closer, err := logging.Setup(cfg.Log, os.Stderr)
		if err != nil {
			return nil, err
		}
		a.logger, a.logCloser = logger, closer
	}

	ok := false
	defer func() {
		if !ok {
			a.release()
		}
	}()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTEL.Endpoint, cfg.OTEL.ServiceName, a.version, cfg.OTEL.Insecure)
	if err != nil {
		return nil, err
	}
	a.otelShutdown = otelShutdown

	// Audit: log sink always, durable store when configured.
	if o.auditStore != nil {
		a.store = &auditStoreAdapter{store: o.auditStore}
	} else if a.store, err = storage.OpenAuditStore(ctx, cfg.Audit, a.logger); err != nil {
		return nil, err
	}
	if a.store != nil {
		a.buf = audit.NewBuffer(a.store, a.logger, cfg.Audit.BufferSize, cfg.Audit.FlushInterval)
	}
	a.recorder = audit.NewRecorder(audit.NewLogger(a.logger, a.buf), a.logger)

	// Identity.
	tokens, keys, err := newVerifiers(cfg.Auth)
	if err != nil {
		return nil, err
	}
	a.authenticator = identity.NewAuthenticator(tokens, keys, a.logger)

	var provider identity.Provider
	if o.identityProvider != nil {
		provider = providerAdapter{p: o.identityProvider}
	}
	classifier := identity.ClassifierFromConfig(cfg.Auth.UnverifiedRole)
	if o.roleClassifier != nil {
		classifier = classifierAdapter{c: o.roleClassifier}
	}
	resolver := identity.NewResolver(provider, classifier, a.logger)

	// Policy. The client is only built when enforcement is on, so a disabled
	// gateway never needs a reachable PDP URL.
	var checker pdp.Checker
	if cfg.PDP.Enabled {
		client, err := pdp.New(cfg.PDP.URL, cfg.PDP.Timeout, o.httpClient, a.logger)
		if err != nil {
			return nil, err
		}
		checker = client
	} else {
		a.logger.Warn("authorization disabled, every operation is forwarded without a policy check")
	}

	a.guard = guard.New(guard.Options{
		Enabled:         cfg.PDP.Enabled,
		ListConcurrency: cfg.PDP.ListConcurrency,
	}, resolver, checker, a.recorder, a.logger)

	a.mcp = mcp.New(cfg.Server.Name, a.version, a.recorder, a.logger, a.guard.ServerOptions()...)

	if cfg.Server.Transport == config.TransportHTTP {
		a.limiter = ratelimit.New(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		a.http = server.New(server.ServerConfig{
			MCPServer:            a.mcp.MCPServer(),
			ContextFunc:          a.authenticator.HTTPContextFunc(),
			Logger:               a.logger,
			Addr:                 net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			ReadTimeout:          cfg.Server.ReadTimeout,
			WriteTimeout:         cfg.Server.WriteTimeout,
			Version:              a.version,
			AuthorizationEnabled: cfg.PDP.Enabled,
			CORSOrigins:          cfg.Server.CORSOrigins,
			Limiter:              a.limiter,
		})
	}

	ok = true
	return a, nil
}

// newVerifiers builds the JWT manager and API keyring from config. Both are
// optional; an HS256 secret takes precedence over an Ed25519 public key.
func newVerifiers(cfg config.AuthConfig) (*auth.JWTManager, *auth.Keyring, error) {
	var tokens *auth.JWTManager
	var err error
	switch {
	case cfg.JWTSecret != "":
		tokens, err = auth.NewHMACManager([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)
	case cfg.JWTPublicKeyPath != "":
		tokens, err = auth.NewEd25519Manager("", cfg.JWTPublicKeyPath, cfg.JWTIssuer, cfg.JWTAudience)
	}
	if err != nil {
		return nil, nil, err
	}

	var keys *auth.Keyring
	if cfg.APIKeysFile != "" {
		if keys, err = auth.LoadKeyring(cfg.APIKeysFile); err != nil {
			return nil, nil, err
		}
	}
	return tokens, keys, nil
}

// MCPServer exposes the underlying MCP server, for embedding it behind a
// transport the App does not run itself.
func (a *App) MCPServer() *mcpserver.MCPServer { return a.mcp.MCPServer() }

// Config returns the effective configuration.
func (a *App) Config() config.Config { return a.cfg }

// Run serves the configured transport until ctx is cancelled or the
// transport fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	transport := a.cfg.Server.Transport
	a.logger.Info("mcpgate starting",
		"version", a.version,
		"transport", transport,
		"authorization_enabled", a.guard.Enabled(),
		"pdp_url", a.cfg.PDP.URL,
	)

	// The buffer outlives ctx; Shutdown drains it after the transport stops.
	if a.buf != nil {
		a.buf.Start(context.WithoutCancel(ctx))
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- a.serve(serveCtx) }()

	a.recorder.ServerEvent(ctx, model.ServerStartup, "mcpgate started", map[string]any{
		"transport":             transport,
		"version":               a.version,
		"authorization_enabled": a.guard.Enabled(),
	})

	var serveErr error
	select {
	case <-ctx.Done():
		// Stdio operations still in flight finish and audit before the
		// buffer drains. HTTP handlers are waited for by http.Server.Shutdown.
		if a.http == nil {
			select {
			case serveErr = <-errCh:
			case <-time.After(shutdownStdioTimeout):
				a.logger.Warn("stdio transport did not stop in time", "timeout", shutdownStdioTimeout)
			}
		}
	case serveErr = <-errCh:
	}

	if serveErr != nil {
		a.logger.Error("transport failed", "transport", transport, "error", serveErr)
		a.recorder.ServerEvent(ctx, model.ServerStartFailed, "transport failed", map[string]any{
			"transport": transport,
			"error":     serveErr.Error(),
		})
	}

	if err := a.Shutdown(context.WithoutCancel(ctx)); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}

func (a *App) serve(ctx context.Context) error {
	if a.http != nil {
		return a.http.Start()
	}

	stdio := mcpserver.NewStdioServer(a.mcp.MCPServer())
	stdio.SetErrorLogger(slog.NewLogLogger(a.logger.Handler(), slog.LevelError))
	stdio.SetContextFunc(a.authenticator.StdioContextFunc(a.cfg.Auth.StdioToken))
	err := stdio.Listen(ctx, a.stdin, a.stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err == nil {
		// Client closed stdin.
		a.logger.Info("stdio input closed")
		return nil
	}
	return err
}

// Shutdown stops the transport, drains the audit buffer into the store and
// flushes telemetry. It is safe to call once, after Run has returned or
// instead of Run.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mcpgate shutting down")
	a.recorder.ServerEvent(ctx, model.ServerShutdown, "mcpgate stopped", map[string]any{
		"active_sessions": a.mcp.ActiveSessions(),
	})

	var errs []error

	// Phase 1: HTTP drain.
	if a.http != nil {
		httpCtx, httpCancel := contextWithOptionalTimeout(ctx, shutdownHTTPTimeout)
		if err := a.http.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		httpCancel()
	}

	// Phase 2: audit buffer drain.
	if a.buf != nil {
		drainCtx, drainCancel := contextWithOptionalTimeout(ctx, shutdownDrainTimeout)
		a.buf.Drain(drainCtx)
		drainCancel()
		if n := a.buf.Len(); n > 0 {
			a.logger.Error("audit buffer drain incomplete", "remaining_events", n)
		}
	}

	a.logger.Info("mcpgate stopped")
	a.release()
	return errors.Join(errs...)
}

// release closes the store, telemetry and log file. Each is closed once.
func (a *App) release() {
	if a.limiter != nil {
		_ = a.limiter.Close()
		a.limiter = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("audit store close failed", "error", err)
		}
		a.store = nil
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
		a.otelShutdown = nil
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}

// contextWithOptionalTimeout applies timeout only when it is positive.
func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ── Adapters: public interfaces → internal interfaces ───────────────────────

type providerAdapter struct{ p IdentityProvider }

func (a providerAdapter) Identity(ctx context.Context) (model.Identity, bool) {
	id, ok := a.p.Identity(ctx)
	if !ok {
		return model.Identity{}, false
	}
	return model.Identity{ID: id.ID, Role: id.Role, Source: id.Source}, true
}

type classifierAdapter struct{ c RoleClassifier }

func (a classifierAdapter) Classify(ctx context.Context) (model.Principal, bool) {
	p, ok := a.c.Classify(ctx)
	if !ok {
		return model.Principal{}, false
	}
	out := model.Principal{UserID: p.UserID, AgentID: p.AgentID}
	if p.Role != "" {
		out.Role = model.ParseRole(string(p.Role))
	}
	return out, true
}

type auditStoreAdapter struct{ store AuditStore }

func (a *auditStoreAdapter) InsertEvents(ctx context.Context, events []model.AuditEvent) (int64, error) {
	out := make([]AuditEvent, len(events))
	for i, e := range events {
		out[i] = toPublicEvent(e)
	}
	return a.store.InsertEvents(ctx, out)
}

// RecentEvents is not part of the public store contract.
func (a *auditStoreAdapter) RecentEvents(context.Context, int) ([]model.AuditEvent, error) {
	return nil, nil
}

func (a *auditStoreAdapter) Close() error { return a.store.Close() }

func toPublicEvent(e model.AuditEvent) AuditEvent {
	return AuditEvent{
		ID:        e.ID.String(),
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
		UserRole:  e.UserRole,
		AgentID:   e.AgentID,
		Action:    e.Action,
		Resource:  e.Resource,
		Result:    e.Result,
		Reason:    e.Reason,
		LatencyMS: e.LatencyMS,
		Error:     e.Error,
		Details:   e.Details,
	}
}
