package tenant

import (
	"context"

	"docflow/internal/store"

	"github.com/google/uuid"
)

// Scope is the handle to one tenant's isolated store. Only Router creates scopes;
// holding one proves the store was resolved and provisioned.
type Scope struct {
	tenant store.Tenant
	repo   store.TenantRepository
	parent *Scope
}

// TenantID returns the tenant the scope belongs to.
func (s *Scope) TenantID() uuid.UUID {
	return s.tenant.ID
}

// Tenant returns a copy of the tenant record.
func (s *Scope) Tenant() store.Tenant {
	return s.tenant
}

// Repo returns the tenant's repository.
func (s *Scope) Repo() store.TenantRepository {
	return s.repo
}

// Parent returns the enclosing scope of a nested WithTenant call, or nil.
func (s *Scope) Parent() *Scope {
	return s.parent
}

// Check returns ErrNoTenantScope for a nil scope.
func (s *Scope) Check() error {
	if s == nil || s.repo == nil {
		return ErrNoTenantScope
	}
	return nil
}

type scopeKey struct{}

// NewContext returns a child context carrying s.
func NewContext(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the innermost scope on ctx, or nil outside any scope.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
