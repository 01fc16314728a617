package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mcpgate/internal/model"
)

var auditColumns = []string{
	"event_id", "event_type", "occurred_at", "user_id", "user_role", "agent_id",
	"action", "resource", "result", "reason", "latency_ms", "error", "details",
}

// InsertEvents appends a batch of audit events using COPY.
func (db *DB) InsertEvents(ctx context.Context, events []model.AuditEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(events))
	for i, e := range events {
		details := e.Details
		if details == nil {
			details = map[string]any{}
		}
		rows[i] = []any{
			e.ID, string(e.Type), e.Timestamp, e.UserID, e.UserRole, e.AgentID,
			e.Action, e.Resource, e.Result, e.Reason, e.LatencyMS, e.Error, details,
		}
	}

	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var n int64
	err := withRetry(copyCtx, insertRetries, insertBaseDelay, func() error {
		var copyErr error
		n, copyErr = db.pool.CopyFrom(copyCtx, pgx.Identifier{"audit_events"}, auditColumns, pgx.CopyFromRows(rows))
		return copyErr
	})
	if err != nil {
		return 0, fmt.Errorf("storage: copy audit events: %w", err)
	}
	return n, nil
}

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT event_id, event_type, occurred_at, user_id, user_role, agent_id,
		        action, resource, result, reason, latency_ms, error, details
		   FROM audit_events
		  ORDER BY occurred_at DESC
		  LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var (
			e         model.AuditEvent
			eventType string
		)
		if err := rows.Scan(&e.ID, &eventType, &e.Timestamp, &e.UserID, &e.UserRole, &e.AgentID,
			&e.Action, &e.Resource, &e.Result, &e.Reason, &e.LatencyMS, &e.Error, &e.Details); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		e.Type = model.EventType(eventType)
		e.Timestamp = e.Timestamp.UTC()
		if len(e.Details) == 0 {
			e.Details = nil
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
