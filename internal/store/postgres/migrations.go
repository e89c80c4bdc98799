package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/catalog/*.sql
var catalogFS embed.FS

//go:embed migrations/tenant/*.sql
var tenantFS embed.FS

// Migrate runs all pending catalog migrations.
func Migrate(db *sql.DB) error {
	return runMigrations(db, catalogFS, "migrations/catalog")
}

// MigrateTenant applies the tenant schema to one tenant database.
// Every statement is create-if-absent, so re-running after a partial failure is safe.
func MigrateTenant(db *sql.DB) error {
	return runMigrations(db, tenantFS, "migrations/tenant")
}

func runMigrations(db *sql.DB, fsys embed.FS, dir string) error {
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	err = m.Up()
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		// A previous run died half way. Roll the version marker back and re-apply.
		if err := m.Force(previousVersion(dirty.Version)); err != nil {
			return fmt.Errorf("failed to reset dirty migration %d: %w", dirty.Version, err)
		}
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func previousVersion(v int) int {
	if v <= 1 {
		return -1
	}
	return v - 1
}
