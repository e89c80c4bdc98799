package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"docflow/internal/store"

	"github.com/google/uuid"
)

// Connector hands out one cached TenantStore per tenant database.
type Connector struct {
	dsnTemplate string
	open        func(ctx context.Context, dsn string) (*sql.DB, error)

	mu     sync.Mutex
	stores map[uuid.UUID]*TenantStore
}

// NewConnector creates a connector for databases reachable through dsnTemplate.
func NewConnector(dsnTemplate string) *Connector {
	return &Connector{
		dsnTemplate: dsnTemplate,
		open:        openDB,
		stores:      make(map[uuid.UUID]*TenantStore),
	}
}

// Connect returns the tenant's repository, opening its pool on first use.
func (c *Connector) Connect(ctx context.Context, tenant *store.Tenant) (store.TenantRepository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.stores[tenant.ID]; ok {
		return s, nil
	}

	db, err := c.open(ctx, TenantDSN(c.dsnTemplate, tenant.Store.Database))
	if err != nil {
		return nil, fmt.Errorf("connect tenant %s: %w", tenant.ID, err)
	}
	s := NewTenantStore(db)
	c.stores[tenant.ID] = s
	return s, nil
}

// Close closes every cached pool.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for id, s := range c.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
		}
		delete(c.stores, id)
	}
	return errors.Join(errs...)
}
