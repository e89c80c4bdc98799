package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docflow/internal/store"

	"github.com/google/uuid"
)

const tenantColumns = "id, name, database_name, status, rate_limit, rate_limit_burst, created_at, retired_at"

func (s *Store) CreateTenant(ctx context.Context, tenant *store.Tenant, hashedKey string) error {
	if tenant.Store.Database == "" {
		tenant.Store = DescriptorFor(tenant.ID)
	}
	if tenant.Status == "" {
		tenant.Status = store.TenantStatusActive
	}

	query := `
		INSERT INTO tenants (id, name, api_key_hash, database_name, status, rate_limit, rate_limit_burst, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		hashedKey,
		tenant.Store.Database,
		tenant.Status,
		tenant.RateLimit,
		tenant.RateLimitBurst,
		tenant.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant %s: %w", tenant.ID, err)
	}
	return nil
}

// LookupTenant returns store.ErrTenantNotFound for unknown ids.
func (s *Store) LookupTenant(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE id = $1"
	return scanTenant(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetTenantByAPIKeyHash(ctx context.Context, hash string) (*store.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE api_key_hash = $1"
	return scanTenant(s.db.QueryRowContext(ctx, query, hash))
}

// RetireTenant marks a tenant retired. Retiring twice keeps the first timestamp.
func (s *Store) RetireTenant(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET status = $1, retired_at = COALESCE(retired_at, $2)
		WHERE id = $3
	`, store.TenantStatusRetired, at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrTenantNotFound
	}
	return nil
}

func scanTenant(row *sql.Row) (*store.Tenant, error) {
	var t store.Tenant
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Store.Database,
		&t.Status,
		&t.RateLimit,
		&t.RateLimitBurst,
		&t.CreatedAt,
		&t.RetiredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DescriptorFor derives the database name assigned to a new tenant.
func DescriptorFor(id uuid.UUID) store.StoreDescriptor {
	return store.StoreDescriptor{Database: "docflow_tenant_" + strings.ReplaceAll(id.String(), "-", "")}
}
