package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a PostgreSQL connection pool and verifies connectivity.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// schema is applied in order at startup; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_permissions (
		principal_id TEXT NOT NULL,
		chat_id      TEXT NOT NULL,
		role         TEXT NOT NULL,
		granted_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		granted_by   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (principal_id, chat_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_permissions_chat
		ON chat_permissions (chat_id)`,

	`CREATE TABLE IF NOT EXISTS chat_sequences (
		chat_id  TEXT PRIMARY KEY,
		next_seq BIGINT NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS chat_history (
		chat_id         TEXT NOT NULL,
		message_id      TEXT NOT NULL,
		publish_time    TIMESTAMPTZ NOT NULL,
		sequence_number BIGINT,
		body            JSONB NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (chat_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_time
		ON chat_history (chat_id, publish_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_seq
		ON chat_history (chat_id, sequence_number)
		WHERE sequence_number IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS dead_letters (
		id         BIGSERIAL PRIMARY KEY,
		topic      TEXT NOT NULL,
		message_id TEXT NOT NULL,
		envelope   JSONB NOT NULL,
		attempts   INT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		failed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at
		ON dead_letters (failed_at DESC)`,
}

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	log.Debug().Int("statements", len(schema)).Msg("schema applied")
	return nil
}
