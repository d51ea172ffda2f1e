package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

var baseMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR PRIMARY KEY,
		email VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notification_settings (
		user_id VARCHAR PRIMARY KEY,
		email BOOLEAN NOT NULL DEFAULT FALSE,
		telegram BOOLEAN NOT NULL DEFAULT FALSE,
		telegram_chat_id VARCHAR,
		webhook BOOLEAN NOT NULL DEFAULT FALSE,
		webhook_url VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS monitors (
		id VARCHAR PRIMARY KEY,
		user_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		url VARCHAR NOT NULL,
		method VARCHAR NOT NULL,
		expected_status INTEGER NOT NULL,
		interval_ms BIGINT NOT NULL,
		timeout_ms BIGINT NOT NULL,
		is_active BOOLEAN NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checks (
		id VARCHAR PRIMARY KEY,
		monitor_id VARCHAR NOT NULL,
		status VARCHAR NOT NULL,
		status_code INTEGER,
		response_time_ms BIGINT,
		error VARCHAR,
		checked_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checks_monitor_checked_at ON checks (monitor_id, checked_at)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		id VARCHAR PRIMARY KEY,
		monitor_id VARCHAR NOT NULL,
		response_time_ms BIGINT NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_monitor_recorded_at ON metrics (monitor_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id VARCHAR PRIMARY KEY,
		monitor_id VARCHAR NOT NULL,
		status VARCHAR NOT NULL,
		started_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		downtime_ms BIGINT,
		description VARCHAR NOT NULL
	)`,
}

// DuckDB rewrites updates of indexed columns as delete plus insert, so incidents,
// which are updated on resolution, only get secondary indexes on the other engines.
var incidentIndexMigrations = []string{
	`CREATE INDEX IF NOT EXISTS idx_incidents_monitor_started_at ON incidents (monitor_id, started_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_incidents_open_per_monitor ON incidents (monitor_id) WHERE status = 'OPEN'`,
}

// Migrate creates the schema. It is safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	statements := baseMigrations
	if dialect != DialectDuckDB {
		statements = append(append([]string{}, baseMigrations...), incidentIndexMigrations...)
	}

	for i, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("running migration %d: %w", i, err)
		}
	}

	slog.DebugContext(ctx, "database migrated", slog.String("dialect", string(dialect)), slog.Int("statements", len(statements)))
	return nil
}
