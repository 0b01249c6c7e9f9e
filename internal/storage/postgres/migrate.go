// Package postgres is the multi-instance store, backed by PostgreSQL through
// a pgx connection pool.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/escape/internal/storage/migrations"
	_ "github.com/lib/pq"
)

// migrationLockID keys the advisory lock held while migrating
const migrationLockID = 7_270_001

// Migrate applies pending schema migrations to the database at dsn. An
// advisory lock serializes concurrent migrators, so every replica may call
// it on startup.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)

	applied, err := migrations.Apply(ctx, conn, migrations.Postgres, slog.Default())
	if err != nil {
		return err
	}
	if applied > 0 {
		slog.Info("migrations complete", "applied", applied, "dialect", "postgres")
	}
	return nil
}
