package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"docflow/internal/store"

	"github.com/lib/pq"
)

// DatabasePlaceholder is replaced by the tenant database name in DSN templates.
const DatabasePlaceholder = "{database}"

// duplicate_database
const errDuplicateDatabase = "42P04"

// TenantDSN renders the connection string of one tenant database.
func TenantDSN(template, database string) string {
	return strings.ReplaceAll(template, DatabasePlaceholder, database)
}

// Provisioner creates tenant databases and applies the tenant schema.
// Every step is create-if-absent so an interrupted run can simply be repeated.
type Provisioner struct {
	admin       *sql.DB
	dsnTemplate string

	open    func(ctx context.Context, dsn string) (*sql.DB, error)
	migrate func(db *sql.DB) error
}

// Provisioner returns a provisioner that issues CREATE DATABASE through the catalog connection.
func (s *Store) Provisioner(dsnTemplate string) *Provisioner {
	return &Provisioner{
		admin:       s.db,
		dsnTemplate: dsnTemplate,
		open:        openDB,
		migrate:     MigrateTenant,
	}
}

// Provision makes sure the tenant's database exists and carries the current schema.
func (p *Provisioner) Provision(ctx context.Context, tenant *store.Tenant) error {
	name := tenant.Store.Database
	if name == "" {
		return fmt.Errorf("tenant %s has no store descriptor", tenant.ID)
	}

	if err := p.createDatabase(ctx, name); err != nil {
		return err
	}

	db, err := p.open(ctx, TenantDSN(p.dsnTemplate, name))
	if err != nil {
		return fmt.Errorf("connect tenant database %s: %w", name, err)
	}
	defer db.Close()

	if err := p.migrate(db); err != nil {
		return fmt.Errorf("migrate tenant database %s: %w", name, err)
	}
	return nil
}

func (p *Provisioner) createDatabase(ctx context.Context, name string) error {
	var exists bool
	err := p.admin.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check tenant database %s: %w", name, err)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE cannot run inside a transaction block.
	_, err = p.admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == errDuplicateDatabase {
		// Another process won the race.
		return nil
	}
	if err != nil {
		return fmt.Errorf("create tenant database %s: %w", name, err)
	}
	return nil
}
