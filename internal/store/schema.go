package store

import (
	"context"
	"fmt"
)

// schema is idempotent so it can run on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS usage_event (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		identity TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS usage_event_lookup
		ON usage_event (namespace, identity, created_at)`,
	`CREATE TABLE IF NOT EXISTS ai_cost_log (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		chat_id TEXT,
		model TEXT NOT NULL,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		cost_usd NUMERIC(12, 6) NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ai_cost_log_created_at ON ai_cost_log (created_at)`,
}

// Migrate creates the tables the guard writes to.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate step %d: %w", i, err)
		}
	}
	return nil
}
