package mcpgate

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/ashita-ai/mcpgate/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	cfg              *config.Config
	logger           *slog.Logger
	version          string
	roleClassifier   RoleClassifier
	identityProvider IdentityProvider
	auditStore       AuditStore
	httpClient       *http.Client
	stdin            io.Reader
	stdout           io.Writer
}

// WithConfig uses cfg instead of loading configuration from the environment.
// cfg is validated as if it had been loaded.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithLogger sets the structured logger for the App.
// If not set, handlers are built from the log configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by server_info, the health
// endpoint and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRoleClassifier replaces the classifier built from MCPGATE_UNVERIFIED_ROLE.
func WithRoleClassifier(c RoleClassifier) Option {
	return func(o *resolvedOptions) { o.roleClassifier = c }
}

// WithIdentityProvider replaces the built-in credential check as the source
// of verified identities.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(o *resolvedOptions) { o.identityProvider = p }
}

// WithAuditStore replaces the configured durable audit store.
func WithAuditStore(s AuditStore) Option {
	return func(o *resolvedOptions) { o.auditStore = s }
}

// WithHTTPClient sets the client used to reach the policy decision point.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithStdio overrides the streams used by the stdio transport.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(o *resolvedOptions) {
		o.stdin = in
		o.stdout = out
	}
}
