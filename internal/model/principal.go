// Package model defines the value types shared by the identity, policy,
// enforcement and audit layers.
package model

import "strings"

// Role is a caller role as understood by the policy decision point.
// Roles are lower-case; the set is open so deployments can add their own.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// ParseRole normalizes a role string. Empty or blank input yields RoleGuest.
func ParseRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RoleGuest
	}
	return Role(s)
}

// String returns the role as a plain string.
func (r Role) String() string { return string(r) }

const (
	// AnonymousUserID is used when no caller identity can be resolved.
	AnonymousUserID = "anonymous"
	// UnknownAgentID is sent to the PDP when a principal carries no agent tag.
	UnknownAgentID = "unknown"
)

// Principal is the caller of a single intercepted operation. It is built
// fresh for each operation and never shared.
type Principal struct {
	UserID  string
	Role    Role
	AgentID string
}

// AnonymousPrincipal returns the least-privileged principal.
func AnonymousPrincipal() Principal {
	return Principal{UserID: AnonymousUserID, Role: RoleGuest}
}

// Attributes returns the principal attribute bag sent to the PDP.
func (p Principal) Attributes() map[string]string {
	userID := p.UserID
	if userID == "" {
		userID = AnonymousUserID
	}
	role := p.Role
	if role == "" {
		role = RoleGuest
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = UnknownAgentID
	}
	return map[string]string{
		"role":     string(role),
		"user_id":  userID,
		"agent_id": agentID,
	}
}

// Identity is a verified caller identity supplied by a transport.
// Source names the credential type that produced it ("jwt", "api_key").
type Identity struct {
	ID     string
	Role   string
	Source string
}
