package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/mcpgate/internal/model"
)

// Rule decides a fake PDP verdict for one query.
type Rule func(q model.AuthorizationQuery) model.AuthorizationVerdict

// AllowAll allows every query.
func AllowAll(model.AuthorizationQuery) model.AuthorizationVerdict {
	return model.AuthorizationVerdict{Allowed: true, Reason: "allow all"}
}

// DenyAll denies every query.
func DenyAll(model.AuthorizationQuery) model.AuthorizationVerdict {
	return model.AuthorizationVerdict{Allowed: false, Reason: "deny all"}
}

// FakePDP is an httptest server speaking the POST /check protocol.
// Status, raw body and latency can be overridden to simulate failures.
type FakePDP struct {
	Server *httptest.Server

	mu      sync.Mutex
	rule    Rule
	status  int
	rawBody string
	delay   time.Duration
	queries []model.AuthorizationQuery

	calls atomic.Int64
}

// NewFakePDP starts a fake PDP answering with rule. Close it when done.
func NewFakePDP(rule Rule) *FakePDP {
	f := &FakePDP{rule: rule, status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /check", f.handle)
	f.Server = httptest.NewServer(mux)
	return f
}

// URL is the base URL to configure the client with.
func (f *FakePDP) URL() string { return f.Server.URL }

// Close shuts the server down.
func (f *FakePDP) Close() { f.Server.Close() }

// Calls returns the number of /check requests received.
func (f *FakePDP) Calls() int { return int(f.calls.Load()) }

// Queries returns a copy of the decoded queries received so far.
func (f *FakePDP) Queries() []model.AuthorizationQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AuthorizationQuery(nil), f.queries...)
}

// SetRule replaces the decision rule.
func (f *FakePDP) SetRule(rule Rule) {
	f.mu.Lock()
	f.rule = rule
	f.mu.Unlock()
}

// SetStatus makes the server reply with status and an empty JSON object.
func (f *FakePDP) SetStatus(status int) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

// SetRawBody makes the server reply 200 with body verbatim.
func (f *FakePDP) SetRawBody(body string) {
	f.mu.Lock()
	f.rawBody = body
	f.mu.Unlock()
}

// SetDelay makes every response wait d before being written.
func (f *FakePDP) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *FakePDP) handle(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)

	var q model.AuthorizationQuery
	decodeErr := json.NewDecoder(r.Body).Decode(&q)

	f.mu.Lock()
	if decodeErr == nil {
		f.queries = append(f.queries, q)
	}
	rule, status, raw, delay := f.rule, f.status, f.rawBody, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if decodeErr != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
		return
	}
	if raw != "" {
		_, _ = w.Write([]byte(raw))
		return
	}
	_ = json.NewEncoder(w).Encode(rule(q))
}

// RoleRule builds a rule from a role -> allowed tool/resource set. An entry
// of "*" allows everything for that role.
func RoleRule(grants map[string][]string) Rule {
	return func(q model.AuthorizationQuery) model.AuthorizationVerdict {
		role := q.Principal.Attributes["role"]
		target := q.Resource.Attributes["tool_name"]
		if target == "" {
			target = q.Resource.Attributes["resource_path"]
		}
		for _, g := range grants[role] {
			if g == "*" || g == target {
				return model.AuthorizationVerdict{Allowed: true, Reason: "granted to " + role}
			}
		}
		return model.AuthorizationVerdict{Allowed: false, Reason: "no grant for " + role}
	}
}
