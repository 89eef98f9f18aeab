package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// VersionTable records the applied schema version.
const VersionTable = "schema_version"

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate runs all pending migrations on the database. Migrations only
// create missing tables and indexes, so running it on every start is safe.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{MigrationsTable: VersionTable})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return &MigrateResult{
		Version: version,
		Dirty:   dirty,
		Changed: changed,
	}, nil
}

// SchemaVersion reads the recorded schema version without migrating. A
// database that was never migrated reports version 0.
func (db *DB) SchemaVersion(ctx context.Context) (uint, bool, error) {
	exists, err := db.Query().Table("sqlite_master").
		Where("type", "=", "table").
		Where("name", "=", VersionTable).
		Exists(ctx)
	if err != nil || !exists {
		return 0, false, err
	}
	row, err := db.Query().Table(VersionTable).Columns("version", "dirty").GetOne(ctx)
	if err != nil || row == nil {
		return 0, false, err
	}
	return uint(row.Int64("version")), row.Bool("dirty"), nil
}

// Reset drops every table, including the version table, and migrates the
// empty database back to the current schema.
func (db *DB) Reset(ctx context.Context) (*MigrateResult, error) {
	if err := db.dropAll(ctx); err != nil {
		return nil, err
	}
	return db.Migrate()
}

func (db *DB) dropAll(ctx context.Context) error {
	return db.InTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		var tables []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan table name: %w", err)
			}
			tables = append(tables, name)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, name := range tables {
			if _, err := tx.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
				return fmt.Errorf("drop %s: %w", name, err)
			}
		}
		return nil
	})
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
