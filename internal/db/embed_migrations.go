package db

import "embed"

// MigrationFS embeds the SQL migrations for the telemetry_entries and audit_logs tables.
// Applied by internal/db/migrate (cmd/migrate).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
