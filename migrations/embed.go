// Package migrations embeds the audit store schema for each backend.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// Postgres holds postgres/*.sql, applied in lexical order.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite holds sqlite/*.sql, applied in lexical order.
//
//go:embed sqlite/*.sql
var SQLite embed.FS
