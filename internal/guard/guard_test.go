package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mcpgate/internal/audit"
	"github.com/ashita-ai/mcpgate/internal/model"
	"github.com/ashita-ai/mcpgate/internal/pdp"
	"github.com/ashita-ai/mcpgate/internal/testutil"
)

type fixedResolver model.Principal

func (r fixedResolver) Resolve(context.Context) model.Principal { return model.Principal(r) }

type recordingSink struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (s *recordingSink) Record(_ context.Context, e model.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) ofType(t model.EventType) []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var (
	admin = model.Principal{UserID: "root", Role: model.RoleAdmin, AgentID: "agent-a"}
	guest = model.Principal{UserID: model.AnonymousUserID, Role: model.RoleGuest, AgentID: "agent-g"}
)

// grants used by most tests: admins see everything, guests may only greet.
var grants = map[string][]string{
	"admin": {"*"},
	"guest": {"hello", "mcpgate://greetings/en"},
}

type harness struct {
	pdp   *testutil.FakePDP
	sink  *recordingSink
	guard *Guard
}

func newHarness(t *testing.T, p model.Principal, opts Options, timeout time.Duration) *harness {
	t.Helper()
	fake := testutil.NewFakePDP(testutil.RoleRule(grants))
	t.Cleanup(fake.Close)

	client, err := pdp.New(fake.URL(), timeout, nil, testutil.TestLogger())
	require.NoError(t, err)

	sink := &recordingSink{}
	g := New(opts, fixedResolver(p), client, audit.NewRecorder(sink, testutil.TestLogger()), testutil.TestLogger())
	return &harness{pdp: fake, sink: sink, guard: g}
}

func enabled() Options { return Options{Enabled: true} }

// countingTool is a downstream handler that records how often it runs.
type countingTool struct {
	calls atomic.Int32
	res   *mcp.CallToolResult
	err   error
}

func (c *countingTool) handle(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c.calls.Add(1)
	if c.res == nil && c.err == nil {
		return mcp.NewToolResultText("ok"), nil
	}
	return c.res, c.err
}

func callRequest(name string) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	return req
}

func readRequest(uri string) mcp.ReadResourceRequest {
	var req mcp.ReadResourceRequest
	req.Params.URI = uri
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func TestToolCallAdminAllowed(t *testing.T) {
	h := newHarness(t, admin, enabled(), time.Second)
	tool := &countingTool{}

	res, err := h.guard.ToolCall()(tool.handle)(context.Background(), callRequest("hello"))
	require.NoError(t, err)

	assert.False(t, res.IsError)
	assert.Equal(t, "ok", resultText(t, res))
	assert.Equal(t, int32(1), tool.calls.Load())
	assert.Equal(t, 1, h.pdp.Calls())

	q := h.pdp.Queries()[0]
	assert.Equal(t, model.ActionToolsCall, q.Action)
	assert.Equal(t, "admin", q.Principal.Attributes["role"])
	assert.Equal(t, "hello", q.Resource.Attributes["tool_name"])

	checks := h.sink.ofType(model.EventAuthorizationCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, model.ResultAllowed, checks[0].Result)

	execs := h.sink.ofType(model.EventToolExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, model.ResultSuccess, execs[0].Result)
	assert.Equal(t, "hello", execs[0].Resource)
	require.NotNil(t, execs[0].LatencyMS)
	assert.Empty(t, execs[0].Error)
}

func TestToolCallGuestDenied(t *testing.T) {
	h := newHarness(t, guest, enabled(), time.Second)
	tool := &countingTool{}

	res, err := h.guard.ToolCall()(tool.handle)(context.Background(), callRequest("server_info"))
	require.NoError(t, err, "denial is a result, not a protocol error")

	assert.True(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "guest")
	assert.Contains(t, text, "server_info")
	assert.Equal(t, "Access denied: guest users cannot call tool 'server_info'", text)
	assert.Zero(t, tool.calls.Load())

	checks := h.sink.ofType(model.EventAuthorizationCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, model.ResultDenied, checks[0].Result)
	assert.Equal(t, "no grant for guest", checks[0].Reason)
	assert.Empty(t, h.sink.ofType(model.EventToolExecution))
}

func TestToolCallFailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*testutil.FakePDP)
	}{
		{"server error", func(f *testutil.FakePDP) { f.SetStatus(http.StatusInternalServerError) }},
		{"malformed body", func(f *testutil.FakePDP) { f.SetRawBody("{not json") }},
		{"timeout", func(f *testutil.FakePDP) { f.SetDelay(500 * time.Millisecond) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, admin, enabled(), 100*time.Millisecond)
			tt.setup(h.pdp)
			tool := &countingTool{}

			res, err := h.guard.ToolCall()(tool.handle)(context.Background(), callRequest("hello"))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Zero(t, tool.calls.Load())

			checks := h.sink.ofType(model.EventAuthorizationCheck)
			require.Len(t, checks, 1)
			assert.Equal(t, model.ResultDenied, checks[0].Result)
			assert.Contains(t, checks[0].Reason, "policy_error")
		})
	}
}

func TestToolCallDownstreamError(t *testing.T) {
	h := newHarness(t, admin, enabled(), time.Second)

	t.Run("go error", func(t *testing.T) {
		tool := &countingTool{err: errors.New("backend exploded")}
		_, err := h.guard.ToolCall()(tool.handle)(context.Background(), callRequest("hello"))
		require.EqualError(t, err, "backend exploded")
	})
	t.Run("error result", func(t *testing.T) {
		tool := &countingTool{res: mcp.NewToolResultError("name is required")}
		res, err := h.guard.ToolCall()(tool.handle)(context.Background(), callRequest("hello"))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	execs := h.sink.ofType(model.EventToolExecution)
	require.Len(t, execs, 2)
	assert.Equal(t, model.ResultError, execs[0].Result)
	assert.Equal(t, "backend exploded", execs[0].Error)
	assert.Equal(t, model.ResultError, execs[1].Result)
	assert.Equal(t, "name is required", execs[1].Error)
}

func TestToolCallPanicIsAuditedAndPropagated(t *testing.T) {
	h := newHarness(t, admin, enabled(), time.Second)
	boom := func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) { panic("boom") }

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = h.guard.ToolCall()(boom)(context.Background(), callRequest("hello"))
	})

	execs := h.sink.ofType(model.EventToolExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, "panic: boom", execs[0].Error)
}

func TestToolCallCancelledIsNotForwarded(t *testing.T) {
	h := newHarness(t, admin, enabled(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tool := &countingTool{}

	res, err := h.guard.ToolCall()(tool.handle)(ctx, callRequest("hello"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Zero(t, tool.calls.Load())

	checks := h.sink.ofType(model.EventAuthorizationCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, model.ResultDenied, checks[0].Result)
	assert.Equal(t, "cancelled", checks[0].Reason)
}

func TestRepeatedChecksAreNotCached(t *testing.T) {
	h := newHarness(t, admin, enabled(), time.Second)
	tool := &countingTool{}
	handler := h.guard.ToolCall()(tool.handle)

	for range 2 {
		_, err := handler(context.Background(), callRequest("hello"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.pdp.Calls())

	h.pdp.SetRule(testutil.DenyAll)
	res, err := handler(context.Background(), callRequest("hello"))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, 3, h.pdp.Calls())
	assert.Equal(t, int32(2), tool.calls.Load())
}

func TestDisabledBypassesEverything(t *testing.T) {
	h := newHarness(t, guest, Options{Enabled: false}, time.Second)
	h.pdp.SetRule(testutil.DenyAll)
	tool := &countingTool{}

	res, err := h.guard.ToolCall()(tool.handle)(context.Background(), callRequest("server_info"))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, int32(1), tool.calls.Load())

	tools := []mcp.Tool{mcp.NewTool("a"), mcp.NewTool("b")}
	assert.Equal(t, tools, h.guard.ToolList()(context.Background(), tools))

	read := func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: "x://y", Text: "real"}}, nil
	}
	contents, err := h.guard.ResourceRead()(read)(context.Background(), readRequest("x://y"))
	require.NoError(t, err)
	assert.Equal(t, "real", contents[0].(mcp.TextResourceContents).Text)

	assert.Zero(t, h.pdp.Calls())
	assert.Empty(t, h.sink.events)
	assert.False(t, h.guard.Enabled())
}

func TestToolListPreservesOrder(t *testing.T) {
	h := newHarness(t, guest, Options{Enabled: true, ListConcurrency: 3}, time.Second)
	h.pdp.SetRule(func(q model.AuthorizationQuery) model.AuthorizationVerdict {
		return model.AuthorizationVerdict{Allowed: q.Resource.Attributes["tool_name"] != "B"}
	})
	// Stagger response times so completion order differs from input order.
	h.pdp.SetDelay(10 * time.Millisecond)

	tools := []mcp.Tool{mcp.NewTool("A"), mcp.NewTool("B"), mcp.NewTool("C")}
	got := h.guard.ToolList()(context.Background(), tools)

	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Name)
	assert.Equal(t, "C", got[1].Name)
	assert.Equal(t, 3, h.pdp.Calls())
	for _, q := range h.pdp.Queries() {
		assert.Equal(t, model.ActionToolsList, q.Action)
	}

	checks := h.sink.ofType(model.EventAuthorizationCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, model.ResultFiltered, checks[0].Result)
	assert.Equal(t, 2, checks[0].Details["authorized_count"])
	assert.Equal(t, 3, checks[0].Details["total_count"])
}

func TestToolListSummaryResult(t *testing.T) {
	tools := []mcp.Tool{mcp.NewTool("hello"), mcp.NewTool("server_info")}
	tests := []struct {
		name    string
		who     model.Principal
		rule    testutil.Rule
		visible int
		result  string
	}{
		{"all visible", admin, nil, 2, model.ResultAllowed},
		{"some visible", guest, nil, 1, model.ResultFiltered},
		{"none visible", guest, testutil.DenyAll, 0, model.ResultDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.who, enabled(), time.Second)
			if tt.rule != nil {
				h.pdp.SetRule(tt.rule)
			}
			got := h.guard.ToolList()(context.Background(), tools)
			assert.Len(t, got, tt.visible)

			checks := h.sink.ofType(model.EventAuthorizationCheck)
			require.Len(t, checks, 1)
			assert.Equal(t, tt.result, checks[0].Result)
		})
	}
}

func TestToolListPDPDownHidesEverything(t *testing.T) {
	h := newHarness(t, admin, enabled(), time.Second)
	h.pdp.SetStatus(http.StatusServiceUnavailable)

	got := h.guard.ToolList()(context.Background(), []mcp.Tool{mcp.NewTool("hello")})
	assert.Empty(t, got)
}

func TestResourceReadAllowed(t *testing.T) {
	h := newHarness(t, guest, enabled(), time.Second)
	var forwarded int
	read := func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		forwarded++
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: req.Params.URI, Text: "Hello"}}, nil
	}

	contents, err := h.guard.ResourceRead()(read)(context.Background(), readRequest("mcpgate://greetings/en"))
	require.NoError(t, err)
	assert.Equal(t, 1, forwarded)
	assert.Equal(t, "Hello", contents[0].(mcp.TextResourceContents).Text)

	q := h.pdp.Queries()[0]
	assert.Equal(t, model.ActionResourcesRead, q.Action)
	assert.Equal(t, "mcpgate://greetings/en", q.Resource.Attributes["resource_path"])
}

func TestResourceReadDeniedReturnsSentinel(t *testing.T) {
	h := newHarness(t, guest, enabled(), time.Second)
	var forwarded int
	read := func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		forwarded++
		return nil, nil
	}

	contents, err := h.guard.ResourceRead()(read)(context.Background(), readRequest("mcpgate://server/info"))
	require.NoError(t, err)
	assert.Zero(t, forwarded)
	require.Len(t, contents, 1)

	tc, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "mcpgate://server/info", tc.URI)
	assert.Equal(t, ResourceDeniedText, tc.Text)

	checks := h.sink.ofType(model.EventAuthorizationCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, model.ResultDenied, checks[0].Result)
	assert.Equal(t, "mcpgate://server/info", checks[0].Resource)
}

// TestServerOptionsWiring drives a real MCP server so the guard is exercised
// through the same interception points the transports use.
func TestServerOptionsWiring(t *testing.T) {
	h := newHarness(t, guest, enabled(), time.Second)
	tool := &countingTool{}

	s := server.NewMCPServer("test", "0.0.0", h.guard.ServerOptions()...)
	s.AddTool(mcp.NewTool("hello"), tool.handle)
	s.AddTool(mcp.NewTool("server_info"), tool.handle)
	s.AddResource(mcp.NewResource("mcpgate://server/info", "info"),
		func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{mcp.TextResourceContents{URI: req.Params.URI, Text: "secret"}}, nil
		})

	send := func(msg string) map[string]any {
		t.Helper()
		resp := s.HandleMessage(context.Background(), json.RawMessage(msg))
		raw, err := json.Marshal(resp)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		require.Contains(t, out, "result", string(raw))
		return out["result"].(map[string]any)
	}

	list := send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	listed := list["tools"].([]any)
	require.Len(t, listed, 1)
	assert.Equal(t, "hello", listed[0].(map[string]any)["name"])

	call := send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"server_info"}}`)
	assert.Equal(t, true, call["isError"])
	assert.Zero(t, tool.calls.Load())

	read := send(`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"mcpgate://server/info"}}`)
	contents := read["contents"].([]any)
	require.Len(t, contents, 1)
	assert.Equal(t, ResourceDeniedText, contents[0].(map[string]any)["text"])
}
