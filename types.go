package mcpgate

import "time"

// Role is a caller role as the policy decision point sees it.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// Identity is a verified caller identity supplied by a custom IdentityProvider.
// Source names the credential type that produced it, e.g. "oidc".
type Identity struct {
	ID     string
	Role   string
	Source string
}

// Principal is the caller a RoleClassifier assigns to an unverified request.
// Empty fields fall back to the anonymous user and the guest role. AgentID is
// passed to the PDP as is; when empty a per-operation tag is generated.
type Principal struct {
	UserID  string
	Role    Role
	AgentID string
}

// AuditEvent is the public view of one audit record, handed to a custom
// AuditStore in batches.
type AuditEvent struct {
	ID        string
	Type      string // authorization_check | tool_execution | server_event
	Timestamp time.Time
	UserID    string
	UserRole  string
	AgentID   string
	Action    string
	Resource  string
	Result    string
	Reason    string
	LatencyMS *int64
	Error     string
	Details   map[string]any
}
