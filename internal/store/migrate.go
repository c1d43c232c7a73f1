package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// migrationsTable records the cache schema version.
const migrationsTable = "cache_migrations"

// MigrateResult describes the cache schema after Migrate.
type MigrateResult struct {
	Version uint
	Changed bool
	// Rebuilt is set when a half-applied migration was found. The cache is
	// disposable, so it is dropped and recreated instead of left dirty.
	Rebuilt bool
}

// Migrate brings the cache schema up to date.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	result := &MigrateResult{}
	err = m.Up()
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		if err := db.dropTables(); err != nil {
			return nil, fmt.Errorf("drop dirty cache at version %d: %w", dirty.Version, err)
		}
		// The version table went with the rest; a new instance recreates it.
		if m, err = db.migrator(); err != nil {
			return nil, err
		}
		result.Rebuilt = true
		err = m.Up()
	}
	switch {
	case errors.Is(err, migrate.ErrNoChange):
	case err != nil:
		return nil, fmt.Errorf("migration up: %w", err)
	default:
		result.Changed = true
	}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	result.Version = version
	return result, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// dropTables removes every user table, the version table included. SQLite's
// internal tables cannot be dropped and are skipped.
func (db *DB) dropTables() error {
	names, err := db.tableNames()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, name := range names {
		if _, err := tx.Exec(`DROP TABLE IF EXISTS "` + name + `"`); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (db *DB) tableNames() ([]string, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
