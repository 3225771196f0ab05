package engine

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed migrations/0001_init.sql
var schemaSQL string

// EnsureSchema applies the schema at startup. Statements are idempotent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
