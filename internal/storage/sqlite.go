package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/mcpgate/internal/audit"
	"github.com/ashita-ai/mcpgate/internal/model"
	"github.com/ashita-ai/mcpgate/migrations"
)

// SQLite is the embedded audit store.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the embedded schema.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("storage: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One writer at a time; the buffer already batches.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	schema, err := fs.Sub(migrations.SQLite, "sqlite")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: sqlite migrations: %w", err)
	}
	if err := runMigrations(ctx, sqliteMigrator{db: db}, schema, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, logger: logger}, nil
}

// InsertEvents appends a batch of audit events in one transaction.
func (s *SQLite) InsertEvents(ctx context.Context, events []model.AuditEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if s.db.PingContext(ctx) != nil {
			return 0, audit.ErrStoreClosed
		}
		return 0, fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_events (
		event_id, event_type, occurred_at, user_id, user_role, agent_id,
		action, resource, result, reason, latency_ms, error, details
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		details := []byte("{}")
		if len(e.Details) > 0 {
			if details, err = json.Marshal(e.Details); err != nil {
				return 0, fmt.Errorf("storage: marshal details: %w", err)
			}
		}
		var latency sql.NullInt64
		if e.LatencyMS != nil {
			latency = sql.NullInt64{Int64: *e.LatencyMS, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID.String(), string(e.Type), e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.UserID, e.UserRole, e.AgentID, e.Action, e.Resource, e.Result, e.Reason,
			latency, e.Error, string(details),
		); err != nil {
			return 0, fmt.Errorf("storage: insert audit event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit: %w", err)
	}
	return int64(len(events)), nil
}

// RecentEvents returns up to limit events, newest first.
func (s *SQLite) RecentEvents(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, occurred_at, user_id, user_role, agent_id,
		        action, resource, result, reason, latency_ms, error, details
		   FROM audit_events
		  ORDER BY occurred_at DESC, rowid DESC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.AuditEvent
	for rows.Next() {
		var (
			e                       model.AuditEvent
			id, eventType, at, dets string
			latency                 sql.NullInt64
		)
		if err := rows.Scan(&id, &eventType, &at, &e.UserID, &e.UserRole, &e.AgentID,
			&e.Action, &e.Resource, &e.Result, &e.Reason, &latency, &e.Error, &dets); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse event id: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("storage: parse timestamp: %w", err)
		}
		e.Type = model.EventType(eventType)
		if latency.Valid {
			ms := latency.Int64
			e.LatencyMS = &ms
		}
		if dets != "" && dets != "{}" {
			if err := json.Unmarshal([]byte(dets), &e.Details); err != nil {
				return nil, fmt.Errorf("storage: parse details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteMigrator struct {
	db *sql.DB
}

func (m sqliteMigrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

func (m sqliteMigrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m sqliteMigrator) apply(ctx context.Context, name, body string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name,
	); err != nil {
		return err
	}
	return tx.Commit()
}
