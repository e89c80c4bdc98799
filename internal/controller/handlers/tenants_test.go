package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"docflow/internal/auth"
	"docflow/internal/store"
	"docflow/pkg/api"

	"github.com/google/uuid"
)

func TestCreateTenant(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		mockSetup      func(*mockCatalog)
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "Success",
			body:           `{"name": "Acme corp"}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: "api_key",
		},
		{
			name:           "Invalid Request Body",
			body:           `{invalid}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid request body",
		},
		{
			name:           "Missing Name",
			body:           `{"name": "  "}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Name is required",
		},
		{
			name:           "Negative Rate Limit",
			body:           `{"name": "Acme", "rate_limit": -1}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "must not be negative",
		},
		{
			name: "Database Error",
			body: `{"name": "Crash Corp"}`,
			mockSetup: func(m *mockCatalog) {
				m.createTenantErr = errors.New("db down")
			},
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to create",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.mockSetup != nil {
				tt.mockSetup(env.catalog)
			}

			req := httptest.NewRequest(http.MethodPost, "/tenants", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()

			env.h.CreateTenant(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %d but want %d", rr.Code, tt.expectedStatus)
			}
			if tt.expectedInBody != "" && !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("handler returned unexpected body: got %s want substring %s", rr.Body.String(), tt.expectedInBody)
			}

			if tt.expectedStatus == http.StatusCreated {
				var resp api.CreateTenantResponse
				if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if !strings.HasPrefix(resp.ApiKey, auth.KeyPrefix) {
					t.Errorf("expected API key to start with %q, got %s", auth.KeyPrefix, resp.ApiKey)
				}
				if !strings.HasPrefix(resp.Database, "docflow_tenant_") {
					t.Errorf("unexpected database %q", resp.Database)
				}

				// Only the hash of the key is stored, and it resolves to the new tenant.
				created, err := env.catalog.GetTenantByAPIKeyHash(req.Context(), auth.HashKey(resp.ApiKey))
				if err != nil {
					t.Fatalf("key hash does not resolve: %v", err)
				}
				if created.ID.String() != resp.ID || created.Status != store.TenantStatusActive {
					t.Errorf("unexpected stored tenant %+v", created)
				}
				if created.RateLimit != 10 || created.RateLimitBurst != 20 {
					t.Errorf("expected default rate limits, got %v/%d", created.RateLimit, created.RateLimitBurst)
				}
			}
		})
	}
}

func TestCreateTenant_ExplicitRateLimit(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.h.CreateTenant(rr, httptest.NewRequest(http.MethodPost, "/tenants",
		strings.NewReader(`{"name": "bulk", "rate_limit": 2.5, "rate_limit_burst": 4}`)))
	expectStatus(t, rr, http.StatusCreated)

	resp := decode[api.CreateTenantResponse](t, rr)
	created, err := env.catalog.LookupTenant(t.Context(), uuid.MustParse(resp.ID))
	if err != nil {
		t.Fatalf("tenant not stored: %v", err)
	}
	if created.RateLimit != 2.5 || created.RateLimitBurst != 4 {
		t.Errorf("got %v/%d, want 2.5/4", created.RateLimit, created.RateLimitBurst)
	}
}

func TestRetireTenant(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/tenants/x/retire", nil)
	req.SetPathValue("id", env.tenant.ID.String())
	rr := httptest.NewRecorder()
	env.h.RetireTenant(rr, req)

	expectStatus(t, rr, http.StatusOK)
	resp := decode[api.TenantResponse](t, rr)
	if resp.Status != string(store.TenantStatusRetired) || resp.RetiredAt == nil {
		t.Errorf("expected retired tenant, got %+v", resp)
	}
}

func TestRetireTenant_Errors(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		status int
	}{
		{"invalid id", "not-a-uuid", http.StatusBadRequest},
		{"unknown tenant", uuid.NewString(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, "/tenants/x/retire", nil)
			req.SetPathValue("id", tt.id)
			rr := httptest.NewRecorder()
			env.h.RetireTenant(rr, req)
			expectStatus(t, rr, tt.status)
		})
	}
}

func TestGetTenant(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/tenants/x", nil)
	req.SetPathValue("id", env.tenant.ID.String())
	rr := httptest.NewRecorder()
	env.h.GetTenant(rr, req)

	expectStatus(t, rr, http.StatusOK)
	if resp := decode[api.TenantResponse](t, rr); resp.Name != "acme" {
		t.Errorf("got tenant %+v", resp)
	}
}
