package model

import "fmt"

// Action identifies the protocol operation being authorized.
type Action string

const (
	ActionToolsCall     Action = "tools/call"
	ActionToolsList     Action = "tools/list"
	ActionResourcesRead Action = "resources/read"
)

// Resource is the action-specific attribute bag describing what is accessed.
// The enforcement layer forwards it to the PDP without interpreting it.
type Resource map[string]string

// ToolResource describes a tool by name.
func ToolResource(name string) Resource {
	return Resource{"tool_name": name}
}

// ResourcePath describes a readable resource by URI.
func ResourcePath(uri string) Resource {
	return Resource{"resource_path": uri}
}

// Describe returns a short single-value summary for logs and audit rows.
func (r Resource) Describe() string {
	if v, ok := r["tool_name"]; ok {
		return v
	}
	if v, ok := r["resource_path"]; ok {
		return v
	}
	for _, v := range r {
		return v
	}
	return ""
}

// AttributeSet wraps an attribute map the way the PDP expects it.
type AttributeSet struct {
	Attributes map[string]string `json:"attributes"`
}

// AuthorizationQuery is the request body sent to POST {pdp}/check.
type AuthorizationQuery struct {
	Principal AttributeSet `json:"principal"`
	Resource  AttributeSet `json:"resource"`
	Action    Action       `json:"action"`
}

// NewAuthorizationQuery builds the wire query for a single check.
func NewAuthorizationQuery(p Principal, action Action, res Resource) AuthorizationQuery {
	attrs := make(map[string]string, len(res))
	for k, v := range res {
		attrs[k] = v
	}
	return AuthorizationQuery{
		Principal: AttributeSet{Attributes: p.Attributes()},
		Resource:  AttributeSet{Attributes: attrs},
		Action:    action,
	}
}

// AuthorizationVerdict is the PDP response body. A missing "allowed" field
// decodes as false.
type AuthorizationVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// VerdictKind distinguishes the three outcomes of a policy check.
type VerdictKind int

const (
	VerdictDeny VerdictKind = iota
	VerdictAllow
	VerdictUnreachable
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	case VerdictUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("VerdictKind(%d)", int(k))
	}
}

// Verdict is the result of one policy check. The zero value denies.
// Only VerdictAllow permits an operation; VerdictUnreachable is a deny that
// also carries the failure that prevented a real decision.
type Verdict struct {
	Kind   VerdictKind
	Reason string
	Err    error
}

// Allow returns an allowing verdict.
func Allow(reason string) Verdict { return Verdict{Kind: VerdictAllow, Reason: reason} }

// Deny returns a denying verdict.
func Deny(reason string) Verdict { return Verdict{Kind: VerdictDeny, Reason: reason} }

// Unreachable returns a denying verdict caused by a PDP failure.
func Unreachable(err error) Verdict {
	return Verdict{Kind: VerdictUnreachable, Reason: "policy_error", Err: err}
}

// Allowed reports whether the operation may proceed.
func (v Verdict) Allowed() bool { return v.Kind == VerdictAllow }

// Detail returns the reason, with the failure appended for unreachable verdicts.
func (v Verdict) Detail() string {
	if v.Kind == VerdictUnreachable && v.Err != nil {
		return v.Reason + ": " + v.Err.Error()
	}
	return v.Reason
}
