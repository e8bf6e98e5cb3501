package database

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS detections (
		id TEXT PRIMARY KEY,
		resource TEXT NOT NULL,
		is_anomaly BOOLEAN NOT NULL,
		threat_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		confidence REAL NOT NULL,
		anomaly_score REAL NOT NULL,
		factors TEXT NOT NULL,
		detected_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_resource_time ON detections(resource, detected_at)`,
	`CREATE TABLE IF NOT EXISTS breaker_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_breaker_events_resource ON breaker_events(resource, occurred_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS detections (
		id TEXT PRIMARY KEY,
		resource TEXT NOT NULL,
		is_anomaly BOOLEAN NOT NULL,
		threat_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		anomaly_score DOUBLE PRECISION NOT NULL,
		factors TEXT NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_resource_time ON detections(resource, detected_at)`,
	`CREATE TABLE IF NOT EXISTS breaker_events (
		id BIGSERIAL PRIMARY KEY,
		resource TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_breaker_events_resource ON breaker_events(resource, occurred_at)`,
}

func (d *DB) initializeSchema(ctx context.Context) error {
	var statements []string
	switch d.driver {
	case "sqlite3":
		statements = sqliteSchema
	case "postgres":
		statements = postgresSchema
	default:
		return fmt.Errorf("unsupported driver for schema initialization: %s", d.driver)
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// tableExists reports whether the named table is present.
func (d *DB) tableExists(ctx context.Context, table string) bool {
	var query string
	switch d.driver {
	case "sqlite3":
		query = "SELECT name FROM sqlite_master WHERE type='table' AND name=?"
	case "postgres":
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema='public' AND table_name=?"
	default:
		return false
	}

	var name string
	return d.QueryRow(ctx, query, table).Scan(&name) == nil
}
