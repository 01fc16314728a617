package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/mcpgate/internal/audit"
	"github.com/ashita-ai/mcpgate/internal/config"
)

// OpenAuditStore opens the store selected by cfg.Store. It returns (nil, nil)
// for the "none" store.
func OpenAuditStore(ctx context.Context, cfg config.AuditConfig, logger *slog.Logger) (audit.Store, error) {
	switch cfg.Store {
	case config.AuditStoreNone, "":
		return nil, nil
	case config.AuditStoreSQLite:
		s, err := OpenSQLite(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.AuditStorePostgres:
		db, err := New(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("storage: unknown audit store %q", cfg.Store)
	}
}
