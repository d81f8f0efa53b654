// Package database manages PostgreSQL connections and provides the data access layer.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	// Acquire a dedicated connection for the advisory lock.
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	// Application-specific lock ID to avoid collisions with other apps on
	// the same PostgreSQL instance.
	const migrationLockID int64 = 0x5050_4C01 // "PPL" prefix + 01
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id                      TEXT PRIMARY KEY,
		is_pro                  BOOLEAN NOT NULL DEFAULT FALSE,
		credits_used            INTEGER NOT NULL DEFAULT 0 CHECK (credits_used >= 0),
		billing_customer_id     TEXT,
		billing_subscription_id TEXT,
		plan_type               TEXT,
		subscription_status     TEXT,
		subscription_start      TIMESTAMPTZ,
		subscription_renews     TIMESTAMPTZ,
		subscription_ends       TIMESTAMPTZ,
		last_event_at           TIMESTAMPTZ,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS generation_requests (
		id          TEXT PRIMARY KEY,
		tool        TEXT NOT NULL,
		user_id     TEXT,
		guest       BOOLEAN NOT NULL DEFAULT FALSE,
		model       TEXT NOT NULL DEFAULT '',
		latency_ms  BIGINT NOT NULL DEFAULT 0,
		status_code INTEGER NOT NULL DEFAULT 0,
		timestamp   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_subscription_id ON profiles(billing_subscription_id);
	CREATE INDEX IF NOT EXISTS idx_generation_requests_tool ON generation_requests(tool);
	CREATE INDEX IF NOT EXISTS idx_generation_requests_user_id ON generation_requests(user_id);
	CREATE INDEX IF NOT EXISTS idx_generation_requests_timestamp ON generation_requests(timestamp);
	`

	_, err = conn.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
