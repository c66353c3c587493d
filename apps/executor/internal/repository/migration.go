package repository

import (
	"context"
	"fmt"
	"strings"
)

// InitMigration creates the order, outbox and metric tables. Column types are
// chosen to be valid in both Postgres and SQLite; timestamps and durations are
// stored as nanoseconds. Amounts are NUMERIC on Postgres and TEXT on SQLite,
// whose NUMERIC affinity would turn them into REAL.
func InitMigration(ctx context.Context, db *DB) error {
	amount := "DECIMAL(38,18)"
	if db.Dialect() == DialectSQLite {
		amount = "TEXT"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id VARCHAR(64) PRIMARY KEY,
			signal_payload TEXT NOT NULL,
			status VARCHAR(20) NOT NULL,
			priority VARCHAR(10) NOT NULL,
			execution_attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			retryable BOOLEAN NOT NULL DEFAULT TRUE,
			last_error TEXT NOT NULL DEFAULT '',
			result TEXT,
			execution_duration_ns BIGINT NOT NULL DEFAULT 0,
			execution_method VARCHAR(32) NOT NULL DEFAULT '',
			tx_hash VARCHAR(66) NOT NULL DEFAULT '',
			value_transacted {{amount}},
			fees_paid {{amount}},
			slippage {{amount}},
			idempotency_key VARCHAR(128),
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created ON orders (created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idempotency_key ON orders (idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS order_events (
			event_id VARCHAR(64) PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			order_status VARCHAR(20) NOT NULL,
			publish_status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_publish ON order_events (publish_status, created_at)`,
		`CREATE TABLE IF NOT EXISTS execution_metrics (
			metric_id VARCHAR(64) PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			recorded_at BIGINT NOT NULL,
			duration_ns BIGINT NOT NULL,
			success BOOLEAN NOT NULL,
			method VARCHAR(32) NOT NULL,
			category VARCHAR(32) NOT NULL,
			endpoint VARCHAR(64) NOT NULL DEFAULT '',
			value_transacted {{amount}},
			fees_paid {{amount}},
			slippage {{amount}},
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_recorded_at ON execution_metrics (recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_method_success ON execution_metrics (method, success)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_order ON execution_metrics (order_id)`,
	}

	for _, query := range queries {
		query = strings.ReplaceAll(query, "{{amount}}", amount)
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
