package mcpgate

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mcpgate/internal/auth"
	"github.com/ashita-ai/mcpgate/internal/config"
	"github.com/ashita-ai/mcpgate/internal/testutil"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type memStore struct {
	mu     sync.Mutex
	events []AuditEvent
	closed bool
}

func (m *memStore) InsertEvents(_ context.Context, events []AuditEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return int64(len(events)), nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) results(eventType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e.Result)
		}
	}
	return out
}

func testConfig(pdpURL string) config.Config {
	cfg := config.Default()
	cfg.Environment = config.EnvTesting
	cfg.Log.FileEnabled = false
	cfg.Log.ConsoleEnabled = false
	cfg.PDP.URL = pdpURL
	cfg.PDP.Timeout = 2 * time.Second
	cfg.Auth.JWTSecret = testSecret
	cfg.Audit.FlushInterval = 10 * time.Millisecond
	return cfg
}

type stdioClient struct {
	in  *io.PipeWriter
	out *bufio.Scanner
}

func (c *stdioClient) send(t *testing.T, msg string) {
	t.Helper()
	_, err := io.WriteString(c.in, msg+"\n")
	require.NoError(t, err)
}

func (c *stdioClient) result(t *testing.T) map[string]any {
	t.Helper()
	require.True(t, c.out.Scan(), "stdio output closed")
	var resp struct {
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal(c.out.Bytes(), &resp), c.out.Text())
	require.NotNil(t, resp.Result, c.out.Text())
	return resp.Result
}

func TestRunStdioAuthorizesBoundIdentity(t *testing.T) {
	fake := testutil.NewFakePDP(testutil.RoleRule(map[string][]string{"admin": {"*"}}))
	t.Cleanup(fake.Close)

	tokens, err := auth.NewHMACManager([]byte(testSecret), "", "")
	require.NoError(t, err)
	token, _, err := tokens.IssueToken("ops", "admin", "", time.Minute)
	require.NoError(t, err)

	cfg := testConfig(fake.URL())
	cfg.Auth.StdioToken = token

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})

	store := &memStore{}
	app, err := New(
		WithConfig(cfg),
		WithLogger(testutil.TestLogger()),
		WithVersion("9.9.9"),
		WithAuditStore(store),
		WithStdio(inR, outW),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	client := &stdioClient{in: inW, out: bufio.NewScanner(outR)}
	client.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`)
	initResult := client.result(t)
	assert.Equal(t, "mcpgate", initResult["serverInfo"].(map[string]any)["name"])

	client.send(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	client.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"server_info","arguments":{}}}`)
	res := client.result(t)
	assert.NotEqual(t, true, res["isError"])
	text := res["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, `"version": "9.9.9"`)

	q := fake.Queries()
	require.Len(t, q, 1)
	assert.Equal(t, "ops", q[0].Principal.Attributes["user_id"])
	assert.Equal(t, "admin", q[0].Principal.Attributes["role"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, []string{"allowed"}, store.results("authorization_check"))
	assert.Equal(t, []string{"success"}, store.results("tool_execution"))
	server := store.results("server_event")
	assert.Contains(t, server, "server_startup")
	assert.Contains(t, server, "server_shutdown")
	assert.True(t, store.closed)
}

func TestRunWaitsForInFlightStdioCall(t *testing.T) {
	fake := testutil.NewFakePDP(testutil.AllowAll)
	fake.SetDelay(time.Minute)
	t.Cleanup(fake.Close)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})

	store := &memStore{}
	app, err := New(
		WithConfig(testConfig(fake.URL())),
		WithLogger(testutil.TestLogger()),
		WithAuditStore(store),
		WithStdio(inR, outW),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	client := &stdioClient{in: inW, out: bufio.NewScanner(outR)}
	client.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`)
	client.result(t)
	client.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"hello","arguments":{"name":"Ada"}}}`)
	require.Eventually(t, func() bool { return fake.Calls() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Keep reading so the cancelled call can write its response.
	go func() {
		for client.out.Scan() {
		}
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, []string{"denied"}, store.results("authorization_check"))
	assert.Empty(t, store.results("tool_execution"))
}

func TestShutdownWithoutRunPersistsShutdownEvent(t *testing.T) {
	cfg := testConfig("")
	cfg.PDP.Enabled = false

	store := &memStore{}
	app, err := New(WithConfig(cfg), WithLogger(testutil.TestLogger()), WithAuditStore(store))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, app.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, []string{"server_shutdown"}, store.results("server_event"))
	assert.True(t, store.closed)
}

func TestNewDisabledNeedsNoPDP(t *testing.T) {
	cfg := testConfig("")
	cfg.PDP.Enabled = false

	app, err := New(WithConfig(cfg), WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	assert.False(t, app.guard.Enabled())
	require.NoError(t, app.Shutdown(context.Background()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("not a url")
	_, err := New(WithConfig(cfg), WithLogger(testutil.TestLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCPGATE_PDP_URL")
}

func TestRunReportsTransportFailure(t *testing.T) {
	fake := testutil.NewFakePDP(testutil.AllowAll)
	t.Cleanup(fake.Close)

	// Occupy a port so the HTTP transport cannot bind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	cfg := testConfig(fake.URL())
	cfg.Server.Transport = config.TransportHTTP
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	store := &memStore{}
	app, err := New(WithConfig(cfg), WithLogger(testutil.TestLogger()), WithAuditStore(store))
	require.NoError(t, err)

	err = app.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, store.results("server_event"), "server_start_failed")
}

type headerProvider struct{}

func (headerProvider) Identity(context.Context) (Identity, bool) {
	return Identity{ID: "sso-user", Role: "Admin", Source: "oidc"}, true
}

type everyoneIsUser struct{}

func (everyoneIsUser) Classify(context.Context) (Principal, bool) {
	return Principal{UserID: "walk-in", Role: RoleUser, AgentID: "front-desk"}, true
}

func TestAdapters(t *testing.T) {
	id, ok := providerAdapter{p: headerProvider{}}.Identity(context.Background())
	require.True(t, ok)
	assert.Equal(t, "sso-user", id.ID)
	assert.Equal(t, "oidc", id.Source)

	p, ok := classifierAdapter{c: everyoneIsUser{}}.Classify(context.Background())
	require.True(t, ok)
	assert.Equal(t, "walk-in", p.UserID)
	assert.Equal(t, "user", p.Role.String())
	assert.Equal(t, "front-desk", p.AgentID)
}

func TestCustomIdentityProviderReachesPDP(t *testing.T) {
	fake := testutil.NewFakePDP(testutil.AllowAll)
	t.Cleanup(fake.Close)

	app, err := New(
		WithConfig(testConfig(fake.URL())),
		WithLogger(testutil.TestLogger()),
		WithIdentityProvider(headerProvider{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	app.MCPServer().HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"hello","arguments":{"name":"Ada"}}}`))

	q := fake.Queries()
	require.Len(t, q, 1)
	assert.Equal(t, "sso-user", q[0].Principal.Attributes["user_id"])
	assert.Equal(t, "admin", q[0].Principal.Attributes["role"])
}

func TestCustomClassifierAgentIDReachesPDP(t *testing.T) {
	fake := testutil.NewFakePDP(testutil.AllowAll)
	t.Cleanup(fake.Close)

	app, err := New(
		WithConfig(testConfig(fake.URL())),
		WithLogger(testutil.TestLogger()),
		WithRoleClassifier(everyoneIsUser{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	app.MCPServer().HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"hello","arguments":{"name":"Ada"}}}`))

	q := fake.Queries()
	require.Len(t, q, 1)
	assert.Equal(t, "walk-in", q[0].Principal.Attributes["user_id"])
	assert.Equal(t, "user", q[0].Principal.Attributes["role"])
	assert.Equal(t, "front-desk", q[0].Principal.Attributes["agent_id"])
}
