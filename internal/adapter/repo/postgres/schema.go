package postgres

import (
	"context"
	"fmt"
)

// Migrate bootstraps the three tables and their indexes. Statements are
// idempotent so every broker start may run them.
func Migrate(ctx context.Context, pool PgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			api_key_hash TEXT NOT NULL,
			wallet_address TEXT NOT NULL,
			gpu_model TEXT NOT NULL DEFAULT '',
			gpu_vendor TEXT NOT NULL DEFAULT '',
			gpu_memory_bytes BIGINT NOT NULL DEFAULT 0,
			compute_framework TEXT NOT NULL DEFAULT 'none',
			max_concurrent_jobs INT NOT NULL DEFAULT 1,
			last_heartbeat_at TIMESTAMPTZ NOT NULL,
			is_healthy BOOLEAN NOT NULL DEFAULT TRUE,
			reputation DOUBLE PRECISION NOT NULL DEFAULT 100,
			total_completed BIGINT NOT NULL DEFAULT 0,
			total_failed BIGINT NOT NULL DEFAULT 0,
			total_earned_lamports BIGINT NOT NULL DEFAULT 0,
			avg_completion_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS agents_api_key_hash_idx ON agents (api_key_hash)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL DEFAULT '',
			image_ref TEXT NOT NULL DEFAULT '',
			command JSONB NOT NULL DEFAULT '[]',
			env JSONB NOT NULL DEFAULT '{}',
			input_url TEXT NOT NULL DEFAULT '',
			output_url TEXT NOT NULL DEFAULT '',
			gpu_memory_required BIGINT NOT NULL DEFAULT 0,
			requires_gpu BOOLEAN NOT NULL DEFAULT FALSE,
			estimated_duration_s BIGINT NOT NULL DEFAULT 0,
			timeout_s BIGINT NOT NULL,
			reward_lamports BIGINT NOT NULL DEFAULT 0,
			agent_id TEXT,
			agent_wallet TEXT,
			status TEXT NOT NULL DEFAULT 'available',
			priority INT NOT NULL DEFAULT 1,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			created_at TIMESTAMPTZ NOT NULL,
			accepted_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			completion_data JSONB,
			failure_reason TEXT,
			payment_signature TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_priority_idx ON jobs (status, priority DESC, created_at)`,
		`CREATE TABLE IF NOT EXISTS payments (
			job_id TEXT PRIMARY KEY REFERENCES jobs (id),
			agent_id TEXT NOT NULL,
			agent_wallet TEXT NOT NULL,
			amount_lamports BIGINT NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS payments_status_idx ON payments (status, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=store.migrate: %w", err)
		}
	}
	return nil
}
