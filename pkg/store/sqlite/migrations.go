package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/counterledger/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed projection_migrations/*.sql
var projectionMigrationsFS embed.FS

// runMigrations applies the ledger schema.
func runMigrations(ctx context.Context, db *sql.DB) error {
	return runMigrationSet(ctx, db, "ledger_schema_migrations", migrationsFS, "migrations")
}

// runProjectionMigrations applies the projection schema: record tables,
// checkpoints, status and dead letters. Safe to call from every store that
// shares the projection database.
func runProjectionMigrations(ctx context.Context, db *sql.DB) error {
	return runMigrationSet(ctx, db, "projection_schema_migrations", projectionMigrationsFS, "projection_migrations")
}

func runMigrationSet(ctx context.Context, db *sql.DB, table string, fsys embed.FS, dir string) error {
	m := migrate.New(db, table)

	if err := m.LoadFromFS(fsys, dir); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
