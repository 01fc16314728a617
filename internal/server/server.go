package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mcpgate/internal/ratelimit"
)

// MCPPath is where the streamable HTTP transport is mounted.
const MCPPath = "/mcp"

// Server is the mcpgate HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	MCPServer *mcpserver.MCPServer
	// ContextFunc binds the caller's identity to each MCP request.
	ContextFunc mcpserver.HTTPContextFunc
	Logger      *slog.Logger

	Addr                 string
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	Version              string
	AuthorizationEnabled bool
	CORSOrigins          []string
	// Limiter throttles the MCP endpoint per client IP. Nil disables it.
	Limiter ratelimit.Limiter
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []mcpserver.StreamableHTTPOption{mcpserver.WithEndpointPath(MCPPath)}
	if cfg.ContextFunc != nil {
		opts = append(opts, mcpserver.WithHTTPContextFunc(cfg.ContextFunc))
	}
	mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer, opts...)

	r := chi.NewRouter()

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → CORS → recovery → handler.
	r.Use(requestIDMiddleware)
	r.Use(tracingMiddleware)
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(cfg.Logger, next) })
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", "X-Agent-ID",
				"X-Request-ID", "Mcp-Session-Id", "Mcp-Protocol-Version"},
			ExposedHeaders: []string{"Mcp-Session-Id", "X-Request-ID"},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(cfg.Version, cfg.AuthorizationEnabled))
	if cfg.Limiter != nil {
		r.With(ratelimit.Middleware(cfg.Limiter, ratelimit.ClientIP, cfg.Logger)).Handle(MCPPath, mcpHTTP)
	} else {
		r.Handle(MCPPath, mcpHTTP)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: r,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr, "mcp_path", MCPPath)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status               string `json:"status"`
	Version              string `json:"version"`
	AuthorizationEnabled bool   `json:"authorization_enabled"`
}

func healthHandler(version string, authzEnabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:               "ok",
			Version:              version,
			AuthorizationEnabled: authzEnabled,
		})
	}
}
