// Package audit records every authorization decision, tool execution and
// server lifecycle event. Recording never fails from the caller's point of
// view: sink errors are logged and swallowed.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mcpgate/internal/model"
)

// Sink accepts audit events. Record must not block on I/O for long and must
// not panic.
type Sink interface {
	Record(ctx context.Context, e model.AuditEvent)
}

// Discard accepts and drops every event.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(context.Context, model.AuditEvent) {}

// Logger writes every event to the structured log and, when a buffer is
// attached, queues it for the durable store.
type Logger struct {
	logger *slog.Logger
	buf    *Buffer
}

// NewLogger creates a log-backed sink. buf may be nil.
func NewLogger(logger *slog.Logger, buf *Buffer) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger, buf: buf}
}

// Record implements Sink.
func (l *Logger) Record(ctx context.Context, e model.AuditEvent) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", eventAttrs(e)...)
	if l.buf != nil {
		l.buf.Append(e)
	}
}

func eventAttrs(e model.AuditEvent) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("event_id", e.ID.String()),
		slog.String("event_type", string(e.Type)),
		slog.Time("timestamp", e.Timestamp),
		slog.String("result", e.Result),
	}
	add := func(k, v string) {
		if v != "" {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	add("user_id", e.UserID)
	add("user_role", e.UserRole)
	add("agent_id", e.AgentID)
	add("action", e.Action)
	add("resource", e.Resource)
	add("reason", e.Reason)
	add("error", e.Error)
	if e.LatencyMS != nil {
		attrs = append(attrs, slog.Int64("latency_ms", *e.LatencyMS))
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	return attrs
}

// Recorder builds well-formed events and hands them to a sink.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder. A nil sink discards.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if sink == nil {
		sink = Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

// AuthorizationCheck records the outcome of one authorization decision.
func (r *Recorder) AuthorizationCheck(ctx context.Context, p model.Principal, action model.Action, resource, result, reason string, details map[string]any) {
	r.emit(ctx, model.AuditEvent{
		Type:     model.EventAuthorizationCheck,
		Action:   string(action),
		Resource: resource,
		Result:   result,
		Reason:   reason,
		Details:  details,
	}.WithPrincipal(p))
}

// ToolExecution records the outcome of an allowed tool call.
func (r *Recorder) ToolExecution(ctx context.Context, p model.Principal, tool string, elapsed time.Duration, execErr string) {
	ms := elapsed.Milliseconds()
	result := model.ResultSuccess
	if execErr != "" {
		result = model.ResultError
	}
	r.emit(ctx, model.AuditEvent{
		Type:      model.EventToolExecution,
		Action:    string(model.ActionToolsCall),
		Resource:  tool,
		Result:    result,
		LatencyMS: &ms,
		Error:     execErr,
	}.WithPrincipal(p))
}

// ServerEvent records a lifecycle event such as startup or shutdown.
func (r *Recorder) ServerEvent(ctx context.Context, name, description string, details map[string]any) {
	r.emit(ctx, model.AuditEvent{
		Type:    model.EventServer,
		Result:  name,
		Reason:  description,
		Details: details,
	})
}

func (r *Recorder) emit(ctx context.Context, e model.AuditEvent) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("audit: sink panicked", "event_type", e.Type, "panic", v)
		}
	}()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	r.sink.Record(ctx, e)
}
