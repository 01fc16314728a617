package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the category of an audit event.
type EventType string

const (
	EventAuthorizationCheck EventType = "authorization_check"
	EventToolExecution      EventType = "tool_execution"
	EventServer             EventType = "server_event"
)

// Result values recorded on audit events.
const (
	ResultAllowed  = "allowed"
	ResultDenied   = "denied"
	ResultFiltered = "filtered"
	ResultSuccess  = "success"
	ResultError    = "error"
)

// Server event names.
const (
	ServerStartup             = "server_startup"
	ServerShutdown            = "server_shutdown"
	ServerStartFailed         = "server_start_failed"
	ServerSessionRegistered   = "session_registered"
	ServerSessionUnregistered = "session_unregistered"
)

// AuditEvent is an append-only record of one authorization or execution
// outcome. Events are never updated or deleted.
type AuditEvent struct {
	ID        uuid.UUID      `json:"event_id"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	UserRole  string         `json:"user_role,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Reason    string         `json:"reason,omitempty"`
	LatencyMS *int64         `json:"latency_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WithPrincipal copies the principal identifiers onto the event.
func (e AuditEvent) WithPrincipal(p Principal) AuditEvent {
	attrs := p.Attributes()
	e.UserID = attrs["user_id"]
	e.UserRole = attrs["role"]
	e.AgentID = attrs["agent_id"]
	return e
}
