// Package migrations embeds the schema of both SQL backends and applies it
// in version order. Files are named NNN_description.sql.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed sqlite/*.sql postgres/*.sql
var schema embed.FS

// Dialect describes one backend's migration directory and bookkeeping SQL
type Dialect struct {
	Name        string
	dir         string
	createTable string
	record      string
}

var (
	SQLite = Dialect{
		Name: "sqlite",
		dir:  "sqlite",
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`,
		record: "INSERT OR REPLACE INTO schema_migrations (version) VALUES (?)",
	}
	Postgres = Dialect{
		Name: "postgres",
		dir:  "postgres",
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		record: "INSERT INTO schema_migrations (version) VALUES ($1)",
	}
)

// Conn is satisfied by *sql.DB and *sql.Conn
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Migration is one versioned schema file
type Migration struct {
	Version int
	Name    string
}

// List returns the dialect's migrations sorted by version. Files without a
// numeric prefix are skipped.
func (d Dialect) List() ([]Migration, error) {
	entries, err := fs.ReadDir(schema, d.dir)
	if err != nil {
		return nil, fmt.Errorf("read %s migrations: %w", d.Name, err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, err := ParseVersion(e.Name())
		if err != nil {
			continue
		}
		out = append(out, Migration{Version: version, Name: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Latest returns the highest version shipped for the dialect
func (d Dialect) Latest() (int, error) {
	list, err := d.List()
	if err != nil || len(list) == 0 {
		return 0, err
	}
	return list[len(list)-1].Version, nil
}

// ParseVersion extracts the version from a name like "001_initial.sql"
func ParseVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration filename: %s", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("invalid version in %s", name)
	}
	return version, nil
}

// Version returns the applied schema version, 0 for a fresh database
func Version(ctx context.Context, conn Conn) (int, error) {
	var version int
	err := conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Apply runs every pending migration, each in its own transaction, and
// reports how many were applied.
func Apply(ctx context.Context, conn Conn, d Dialect, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := conn.ExecContext(ctx, d.createTable); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := Version(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}

	list, err := d.List()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range list {
		if m.Version <= current {
			continue
		}
		data, err := fs.ReadFile(schema, path.Join(d.dir, m.Name))
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", m.Name, err)
		}
		if err := applyOne(ctx, conn, d, m, string(data)); err != nil {
			return applied, err
		}
		applied++
		logger.Info("applied migration", "name", m.Name, "version", m.Version, "dialect", d.Name)
	}
	return applied, nil
}

func applyOne(ctx context.Context, conn Conn, d Dialect, m Migration, body string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, d.record, m.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Name, err)
	}
	return nil
}
