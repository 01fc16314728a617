package storage_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mcpgate/internal/audit"
	"github.com/ashita-ai/mcpgate/internal/config"
	"github.com/ashita-ai/mcpgate/internal/model"
	"github.com/ashita-ai/mcpgate/internal/storage"
	"github.com/ashita-ai/mcpgate/internal/testutil"
)

func sampleEvents(n int) []model.AuditEvent {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make([]model.AuditEvent, n)
	for i := range events {
		events[i] = model.AuditEvent{
			ID:        uuid.New(),
			Type:      model.EventAuthorizationCheck,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			UserID:    fmt.Sprintf("user-%d", i),
			UserRole:  "user",
			AgentID:   "agent",
			Action:    string(model.ActionToolsCall),
			Resource:  "hello",
			Result:    model.ResultAllowed,
		}
	}
	ms := int64(12)
	events[n-1].Type = model.EventToolExecution
	events[n-1].Result = model.ResultError
	events[n-1].LatencyMS = &ms
	events[n-1].Error = "boom"
	events[n-1].Details = map[string]any{"attempt": float64(1)}
	return events
}

// exerciseStore runs the behaviour shared by every audit.Store backend.
func exerciseStore(t *testing.T, store audit.Store) {
	t.Helper()
	ctx := context.Background()
	events := sampleEvents(3)

	n, err := store.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.InsertEvents(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := store.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	newest := got[0]
	assert.Equal(t, events[2].ID, newest.ID)
	assert.Equal(t, model.EventToolExecution, newest.Type)
	assert.True(t, events[2].Timestamp.Equal(newest.Timestamp))
	require.NotNil(t, newest.LatencyMS)
	assert.Equal(t, int64(12), *newest.LatencyMS)
	assert.Equal(t, "boom", newest.Error)
	assert.Equal(t, map[string]any{"attempt": float64(1)}, newest.Details)

	assert.Equal(t, events[1].ID, got[1].ID)
	assert.Nil(t, got[1].LatencyMS)

	_, err = store.InsertEvents(ctx, events[:1])
	require.Error(t, err, "event ids are unique")
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	store, err := storage.OpenSQLite(context.Background(), path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	exerciseStore(t, store)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	first, err := storage.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	_, err = first.InsertEvents(ctx, sampleEvents(1))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := storage.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	got, err := second.RecentEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpenAuditStore(t *testing.T) {
	ctx := context.Background()

	store, err := storage.OpenAuditStore(ctx, config.AuditConfig{Store: config.AuditStoreNone}, testutil.TestLogger())
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = storage.OpenAuditStore(ctx, config.AuditConfig{
		Store: config.AuditStoreSQLite,
		DSN:   filepath.Join(t.TempDir(), "audit.db"),
	}, testutil.TestLogger())
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, store.Close())

	_, err = storage.OpenAuditStore(ctx, config.AuditConfig{Store: "cassandra"}, testutil.TestLogger())
	require.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	tc, err := testutil.StartPostgres(ctx)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	defer tc.Terminate()

	db, err := storage.New(ctx, tc.DSN, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	exerciseStore(t, db)

	// Reconnecting re-runs the migration runner without reapplying anything.
	again, err := storage.New(ctx, tc.DSN, testutil.TestLogger())
	require.NoError(t, err)
	_ = again.Close()

	_, err = db.Pool().Exec(ctx, `DELETE FROM audit_events`)
	require.Error(t, err, "audit_events is append-only")
}
