package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// CreatePartialIndexes creates the partial unique indexes that enforce
// "at most one running run" and "at most one queued run" per
// conversation. The ent schema DSL has no WHERE-clause support for
// unique indexes, so these are applied directly after the ent-managed
// tables exist.
func CreatePartialIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	_, err := db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_runs_one_running
		ON conversation_runs (conversation_id) WHERE status = 'running'`)
	if err != nil {
		return fmt.Errorf("failed to create one-running partial index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_runs_one_queued
		ON conversation_runs (conversation_id) WHERE status = 'queued'`)
	if err != nil {
		return fmt.Errorf("failed to create one-queued partial index: %w", err)
	}

	return nil
}
