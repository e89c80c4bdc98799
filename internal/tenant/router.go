// Package tenant routes every unit of work to the isolated data store of the tenant it belongs to.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"docflow/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoTenantScope is returned by tenant-scoped operations invoked without a scope.
	// It is a programming error.
	ErrNoTenantScope = errors.New("no tenant scope")

	// ErrProvisioningFailed matches every ProvisioningError.
	ErrProvisioningFailed = errors.New("tenant provisioning failed")
)

// ProvisioningError wraps the cause of a failed provisioning attempt.
// Failures are not cached; the next WithTenant call for the tenant retries.
type ProvisioningError struct {
	TenantID uuid.UUID
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision tenant %s: %v", e.TenantID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioningFailed }

// Provisioner creates a tenant's store. It must be idempotent.
type Provisioner interface {
	Provision(ctx context.Context, tenant *store.Tenant) error
}

// Connector opens the repository of an already provisioned tenant.
type Connector interface {
	Connect(ctx context.Context, tenant *store.Tenant) (store.TenantRepository, error)
}

// Registry is the read side of store.TenantRegistry the router needs.
type Registry interface {
	LookupTenant(ctx context.Context, id uuid.UUID) (*store.Tenant, error)
}

// Router resolves tenants, provisions their stores on first use and hands out scopes.
type Router struct {
	registry    Registry
	provisioner Provisioner
	connector   Connector
	logger      *slog.Logger

	group       singleflight.Group
	mu          sync.RWMutex
	provisioned map[uuid.UUID]struct{}

	activeScopes metric.Int64UpDownCounter
	provisions   metric.Int64Counter
}

// NewRouter creates a router.
func NewRouter(registry Registry, provisioner Provisioner, connector Connector, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("docflow/tenant")
	activeScopes, _ := meter.Int64UpDownCounter("docflow.tenant.scopes.active",
		metric.WithDescription("Tenant scopes currently open"))
	provisions, _ := meter.Int64Counter("docflow.tenant.provisions",
		metric.WithDescription("Tenant provisioning attempts by result"))

	return &Router{
		registry:     registry,
		provisioner:  provisioner,
		connector:    connector,
		logger:       logger,
		provisioned:  make(map[uuid.UUID]struct{}),
		activeScopes: activeScopes,
		provisions:   provisions,
	}
}

// WithTenant runs fn inside the scope of tenantID.
//
// The tenant's store is provisioned before fn sees the scope, so a scope always refers to a
// complete store. The scope is also pushed on the context passed to fn and popped again on
// every exit path, including panics, which are re-raised after bookkeeping.
func (r *Router) WithTenant(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, s *Scope) error) error {
	tenant, err := r.registry.LookupTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return fmt.Errorf("tenant %s: %w", tenantID, store.ErrTenantNotFound)
		}
		return fmt.Errorf("lookup tenant %s: %w", tenantID, err)
	}
	if tenant.Status == store.TenantStatusRetired {
		return fmt.Errorf("tenant %s: %w", tenantID, store.ErrTenantRetired)
	}

	if err := r.ensureProvisioned(ctx, tenant); err != nil {
		return err
	}

	repo, err := r.connector.Connect(ctx, tenant)
	if err != nil {
		return fmt.Errorf("connect tenant %s: %w", tenantID, err)
	}

	scope := &Scope{tenant: *tenant, repo: repo, parent: FromContext(ctx)}
	attrs := metric.WithAttributes(attribute.String("tenant.id", tenantID.String()))
	r.activeScopes.Add(ctx, 1, attrs)
	defer r.activeScopes.Add(ctx, -1, attrs)

	return fn(NewContext(ctx, scope), scope)
}

// Provisioned reports whether this process has seen the tenant's store provisioned.
func (r *Router) Provisioned(tenantID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.provisioned[tenantID]
	return ok
}

func (r *Router) ensureProvisioned(ctx context.Context, tenant *store.Tenant) error {
	if r.Provisioned(tenant.ID) {
		return nil
	}

	// Concurrent first calls share one provisioning run.
	_, err, _ := r.group.Do(tenant.ID.String(), func() (any, error) {
		if r.Provisioned(tenant.ID) {
			return nil, nil
		}
		r.logger.Info("provisioning tenant store", "tenant_id", tenant.ID, "database", tenant.Store.Database)

		if err := r.provisioner.Provision(context.WithoutCancel(ctx), tenant); err != nil {
			r.provisions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
			r.logger.Error("tenant provisioning failed", "tenant_id", tenant.ID, "error", err)
			return nil, &ProvisioningError{TenantID: tenant.ID, Err: err}
		}

		r.mu.Lock()
		r.provisioned[tenant.ID] = struct{}{}
		r.mu.Unlock()
		r.provisions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
		return nil, nil
	})
	return err
}
