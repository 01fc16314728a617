// Package mcp implements the MCP server that mcpgate protects.
//
// The tools and resources here carry no authorization logic. Gating is
// installed from outside through server options (see internal/guard), so
// every handler in this package can assume the caller was allowed.
package mcp

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mcpgate/internal/audit"
	"github.com/ashita-ai/mcpgate/internal/model"
)

// Server wraps the mcp-go server with mcpgate's tools and resources.
type Server struct {
	mcpServer *mcpserver.MCPServer
	name      string
	version   string
	audit     *audit.Recorder
	logger    *slog.Logger

	started  time.Time
	requests atomic.Int64
	sessions atomic.Int64
	now      func() time.Time
}

// New creates the MCP server. Extra options (the guard's interception
// points) are applied after panic recovery so recovery wraps them.
func New(name, version string, recorder *audit.Recorder, logger *slog.Logger, opts ...mcpserver.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.NewRecorder(nil, logger)
	}
	s := &Server{
		name:    name,
		version: version,
		audit:   recorder,
		logger:  logger,
		now:     time.Now,
	}
	s.started = s.now().UTC()

	base := []mcpserver.ServerOption{
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithRecovery(),
		mcpserver.WithResourceRecovery(),
		mcpserver.WithHooks(s.hooks()),
		mcpserver.WithInstructions("Greets users in several languages and reports server status. " +
			"Every tool call, listing and resource read is authorized by an external policy decision point."),
	}
	s.mcpServer = mcpserver.NewMCPServer(name, version, append(base, opts...)...)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ActiveSessions reports the number of currently registered client sessions.
func (s *Server) ActiveSessions() int64 { return s.sessions.Load() }

func (s *Server) hooks() *mcpserver.Hooks {
	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		n := s.sessions.Add(1)
		s.logger.Info("mcp: session registered", "session_id", session.SessionID(), "active", n)
		s.audit.ServerEvent(ctx, model.ServerSessionRegistered, "client session registered", map[string]any{
			"session_id": session.SessionID(),
		})
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		n := s.sessions.Add(-1)
		s.logger.Info("mcp: session unregistered", "session_id", session.SessionID(), "active", n)
		s.audit.ServerEvent(ctx, model.ServerSessionUnregistered, "client session unregistered", map[string]any{
			"session_id": session.SessionID(),
		})
	})
	return hooks
}
