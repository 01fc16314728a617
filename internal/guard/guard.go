// Package guard enforces PDP verdicts on MCP operations.
//
// Three operation kinds are intercepted, each with its own deny shape:
// tool calls get an error-flagged result, tool listings are filtered, and
// resource reads get sentinel content in place of the real payload. Every
// outcome is audited exactly once; allowed tool calls are audited a second
// time with their execution result.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/mcpgate/internal/audit"
	"github.com/ashita-ai/mcpgate/internal/model"
	"github.com/ashita-ai/mcpgate/internal/pdp"
	"github.com/ashita-ai/mcpgate/internal/telemetry"
)

// ResourceDeniedText replaces the content of a resource the caller may not read.
const ResourceDeniedText = "Access denied: insufficient permissions to read this resource"

const defaultListConcurrency = 8

// PrincipalResolver derives the caller for one operation.
type PrincipalResolver interface {
	Resolve(ctx context.Context) model.Principal
}

// Options is fixed at construction and never re-read.
type Options struct {
	// Enabled is the global kill switch. When false every operation is
	// forwarded and the PDP is never contacted.
	Enabled bool
	// ListConcurrency bounds in-flight PDP checks while filtering a listing.
	ListConcurrency int
}

// Guard holds only read-only configuration and shared clients, so a single
// instance serves all sessions concurrently.
type Guard struct {
	opts     Options
	resolver PrincipalResolver
	checker  pdp.Checker
	audit    *audit.Recorder
	logger   *slog.Logger

	decisions metric.Int64Counter
}

// New creates a guard. A nil recorder discards audit events.
func New(opts Options, resolver PrincipalResolver, checker pdp.Checker, recorder *audit.Recorder, logger *slog.Logger) *Guard {
	if opts.ListConcurrency <= 0 {
		opts.ListConcurrency = defaultListConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.NewRecorder(nil, logger)
	}
	meter := telemetry.Meter("mcpgate/guard")
	decisions, _ := meter.Int64Counter("mcpgate.authz.decisions",
		metric.WithDescription("Authorization outcomes by action and result"),
	)
	return &Guard{
		opts:      opts,
		resolver:  resolver,
		checker:   checker,
		audit:     recorder,
		logger:    logger,
		decisions: decisions,
	}
}

// Enabled reports whether enforcement is active.
func (g *Guard) Enabled() bool { return g.opts.Enabled }

// ServerOptions installs all three interception points on an MCP server.
func (g *Guard) ServerOptions() []server.ServerOption {
	return []server.ServerOption{
		server.WithToolHandlerMiddleware(g.ToolCall()),
		server.WithToolFilter(g.ToolList()),
		server.WithResourceHandlerMiddleware(g.ResourceRead()),
	}
}

// ToolCall gates tools/call. A denied call is never forwarded.
func (g *Guard) ToolCall() server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if !g.opts.Enabled {
				return next(ctx, req)
			}
			tool := req.Params.Name
			p := g.resolver.Resolve(ctx)
			v := g.checker.Check(ctx, p, model.ActionToolsCall, model.ToolResource(tool))

			if err := ctx.Err(); err != nil {
				g.record(ctx, p, model.ActionToolsCall, tool, model.ResultDenied, "cancelled", nil)
				return nil, err
			}

			if !v.Allowed() {
				g.logger.Warn("guard: tool call denied",
					"tool", tool, "user_id", p.UserID, "role", p.Role, "agent_id", p.AgentID, "reason", v.Detail())
				g.record(ctx, p, model.ActionToolsCall, tool, model.ResultDenied, v.Detail(), nil)
				return mcp.NewToolResultError(fmt.Sprintf("Access denied: %s users cannot call tool '%s'", p.Role, tool)), nil
			}

			g.logger.Info("guard: tool call allowed",
				"tool", tool, "user_id", p.UserID, "role", p.Role, "agent_id", p.AgentID)
			g.record(ctx, p, model.ActionToolsCall, tool, model.ResultAllowed, v.Detail(), nil)

			return g.execute(ctx, p, tool, req, next)
		}
	}
}

func (g *Guard) execute(ctx context.Context, p model.Principal, tool string, req mcp.CallToolRequest, next server.ToolHandlerFunc) (res *mcp.CallToolResult, err error) {
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			g.audit.ToolExecution(ctx, p, tool, time.Since(start), fmt.Sprintf("panic: %v", v))
			panic(v)
		}
	}()

	res, err = next(ctx, req)
	g.audit.ToolExecution(ctx, p, tool, time.Since(start), executionError(res, err))
	return res, err
}

// executionError extracts the failure message of a downstream tool call, or
// "" when it succeeded.
func executionError(res *mcp.CallToolResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res == nil || !res.IsError {
		return ""
	}
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok && tc.Text != "" {
			return tc.Text
		}
	}
	return "tool returned an error result"
}

// ToolList filters tools/list results. Each tool is checked independently
// and concurrently; the survivors keep their original order.
func (g *Guard) ToolList() server.ToolFilterFunc {
	return func(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
		if !g.opts.Enabled {
			return tools
		}
		p := g.resolver.Resolve(ctx)

		allowed := make([]bool, len(tools))
		var eg errgroup.Group
		eg.SetLimit(g.opts.ListConcurrency)
		for i, t := range tools {
			eg.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				allowed[i] = g.checker.Check(ctx, p, model.ActionToolsList, model.ToolResource(t.Name)).Allowed()
				return nil
			})
		}
		_ = eg.Wait()

		if ctx.Err() != nil {
			g.record(ctx, p, model.ActionToolsList, "*", model.ResultDenied, "cancelled", map[string]any{
				"authorized_count": 0,
				"total_count":      len(tools),
			})
			return nil
		}

		visible := make([]mcp.Tool, 0, len(tools))
		for i, t := range tools {
			if allowed[i] {
				visible = append(visible, t)
			}
		}

		result := model.ResultFiltered
		switch {
		case len(visible) == len(tools):
			result = model.ResultAllowed
		case len(visible) == 0:
			result = model.ResultDenied
		}

		g.logger.Info("guard: tools filtered",
			"user_id", p.UserID, "role", p.Role, "agent_id", p.AgentID,
			"visible", len(visible), "total", len(tools))
		g.record(ctx, p, model.ActionToolsList, "*", result,
			fmt.Sprintf("%d/%d tools authorized", len(visible), len(tools)),
			map[string]any{
				"authorized_count": len(visible),
				"total_count":      len(tools),
			})
		return visible
	}
}

// ResourceRead gates resources/read for both static resources and
// templates. A denied read returns sentinel content for the same URI.
func (g *Guard) ResourceRead() server.ResourceHandlerMiddleware {
	return func(next server.ResourceHandlerFunc) server.ResourceHandlerFunc {
		return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			if !g.opts.Enabled {
				return next(ctx, req)
			}
			uri := req.Params.URI
			p := g.resolver.Resolve(ctx)
			v := g.checker.Check(ctx, p, model.ActionResourcesRead, model.ResourcePath(uri))

			if err := ctx.Err(); err != nil {
				g.record(ctx, p, model.ActionResourcesRead, uri, model.ResultDenied, "cancelled", nil)
				return nil, err
			}

			if !v.Allowed() {
				g.logger.Warn("guard: resource read denied",
					"uri", uri, "user_id", p.UserID, "role", p.Role, "agent_id", p.AgentID, "reason", v.Detail())
				g.record(ctx, p, model.ActionResourcesRead, uri, model.ResultDenied, v.Detail(), nil)
				return []mcp.ResourceContents{
					mcp.TextResourceContents{URI: uri, MIMEType: "text/plain", Text: ResourceDeniedText},
				}, nil
			}

			g.logger.Debug("guard: resource read allowed",
				"uri", uri, "user_id", p.UserID, "role", p.Role)
			g.record(ctx, p, model.ActionResourcesRead, uri, model.ResultAllowed, v.Detail(), nil)
			return next(ctx, req)
		}
	}
}

func (g *Guard) record(ctx context.Context, p model.Principal, action model.Action, resource, result, reason string, details map[string]any) {
	g.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("result", result),
	))
	g.audit.AuthorizationCheck(ctx, p, action, resource, result, reason, details)
}
