package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docflow/internal/auth"
	"docflow/internal/logger"
	"docflow/internal/store"
	"docflow/pkg/api"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyedTenants resolves a single API key to a tenant.
type keyedTenants struct {
	keys    map[string]*store.Tenant
	err     error
	lookups []string
}

func (k *keyedTenants) GetTenantByAPIKeyHash(ctx context.Context, hash string) (*store.Tenant, error) {
	k.lookups = append(k.lookups, hash)
	if k.err != nil {
		return nil, k.err
	}
	if tenant, ok := k.keys[hash]; ok {
		return tenant, nil
	}
	return nil, store.ErrTenantNotFound
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	retiredAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tenants := &keyedTenants{keys: map[string]*store.Tenant{
		auth.HashKey("df_retired"): {ID: uuid.New(), Name: "gone", Status: store.TenantStatusRetired, RetiredAt: &retiredAt},
	}}

	tests := []struct {
		name      string
		lookup    TenantLookup
		header    string
		wantCode  int
		wantError string
	}{
		{"no header", tenants, "", http.StatusUnauthorized, "Missing authorization header"},
		{"no scheme", tenants, "df_abc", http.StatusUnauthorized, "Invalid authorization header"},
		{"basic scheme", tenants, "Basic df_abc", http.StatusUnauthorized, "Invalid authorization header"},
		{"two tokens", tenants, "Bearer df_a df_b", http.StatusUnauthorized, "Invalid authorization header"},
		{"empty token", tenants, "Bearer ", http.StatusUnauthorized, "Invalid authorization header"},
		{"unknown key", tenants, "Bearer df_unknown", http.StatusUnauthorized, "Invalid API key"},
		{"retired tenant", tenants, "Bearer df_retired", http.StatusForbidden, "Tenant is retired"},
		{"store down", &keyedTenants{err: errors.New("connection refused")}, "Bearer df_abc", http.StatusInternalServerError, "Failed to authenticate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware(tt.lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("request reached the tenant API")
			}))

			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			var body api.ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

func TestAuthMiddleware_PutsTenantOnContext(t *testing.T) {
	acme := &store.Tenant{ID: uuid.New(), Name: "acme", Status: store.TenantStatusActive}
	tenants := &keyedTenants{keys: map[string]*store.Tenant{auth.HashKey("df_acme"): acme}}

	var got *store.Tenant
	var logged bool
	handler := RequestID(AuthMiddleware(tenants)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = TenantFromContext(r.Context())
		logged = logger.RequestIDFromContext(r.Context()) != ""
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer df_acme")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Same(t, acme, got)
	assert.True(t, logged, "request id dropped from context")
	// only the hash leaves the process
	assert.Equal(t, []string{auth.HashKey("df_acme")}, tenants.lookups)
}

func TestTenantFromContext_Empty(t *testing.T) {
	tenant, ok := TenantFromContext(context.Background())
	assert.False(t, ok)
	assert.Nil(t, tenant)

	_, ok = TenantFromContext(NewContextWithTenant(context.Background(), nil))
	assert.False(t, ok, "nil tenant must not authenticate")
}

func TestRequestID_GeneratesAndEchoes(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rr.Header().Get(RequestIDHeader))
}
