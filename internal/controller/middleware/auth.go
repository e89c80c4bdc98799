// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"docflow/internal/auth"
	"docflow/internal/logger"
	"docflow/internal/store"
	"docflow/pkg/api"
)

// TenantLookup resolves tenants by API key hash.
type TenantLookup interface {
	GetTenantByAPIKeyHash(ctx context.Context, hash string) (*store.Tenant, error)
}

type tenantKey struct{}

// AuthMiddleware resolves the tenant owning the bearer API key and puts it on the context.
// Retired tenants are refused.
func AuthMiddleware(s TenantLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, msg := bearerToken(r)
			if msg != "" {
				writeError(w, msg, http.StatusUnauthorized)
				return
			}

			tenant, err := s.GetTenantByAPIKeyHash(r.Context(), auth.HashKey(key))
			if err != nil && !errors.Is(err, store.ErrTenantNotFound) {
				writeError(w, "Failed to authenticate", http.StatusInternalServerError)
				return
			}
			if tenant == nil {
				writeError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			if tenant.Status == store.TenantStatusRetired {
				writeError(w, "Tenant is retired", http.StatusForbidden)
				return
			}

			ctx := NewContextWithTenant(r.Context(), tenant)
			ctx = logger.WithTenantID(ctx, tenant.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewContextWithTenant returns a child context carrying the authenticated tenant.
func NewContextWithTenant(ctx context.Context, tenant *store.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFromContext returns the tenant set by AuthMiddleware.
func TenantFromContext(ctx context.Context) (*store.Tenant, bool) {
	tenant, ok := ctx.Value(tenantKey{}).(*store.Tenant)
	return tenant, ok && tenant != nil
}

// bearerToken returns the token of an "Authorization: Bearer <token>" header,
// or a message describing what is wrong with the header.
func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "Missing authorization header"
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", "Invalid authorization header"
	}
	return parts[1], ""
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
