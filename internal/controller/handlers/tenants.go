package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"docflow/internal/auth"
	"docflow/internal/store"
	"docflow/internal/tenant"
	"docflow/pkg/api"

	"github.com/google/uuid"
)

// CreateTenant handles POST /tenants (Admin Only).
// It generates a new API Key, hashes it for storage, and returns the raw key ONCE.
// The tenant's store is provisioned right away; a failure there is retried on first use.
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}
	if req.RateLimit < 0 || req.RateLimitBurst < 0 {
		h.httpError(w, "Rate limits must not be negative", http.StatusBadRequest)
		return
	}

	apiKey, err := auth.NewKey()
	if err != nil {
		h.Logger.Error("failed to generate api key", "error", err)
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	t := &store.Tenant{
		ID:             uuid.New(),
		Name:           req.Name,
		Status:         store.TenantStatusActive,
		RateLimit:      req.RateLimit,
		RateLimitBurst: req.RateLimitBurst,
		CreatedAt:      h.now().UTC(),
	}
	t.Store = h.Descriptor(t.ID)
	if t.RateLimit == 0 {
		t.RateLimit = h.Config.DefaultRateLimit
	}
	if t.RateLimitBurst == 0 {
		t.RateLimitBurst = h.Config.DefaultRateLimitBurst
	}

	if err := h.Catalog.CreateTenant(ctx, t, auth.HashKey(apiKey)); err != nil {
		h.Logger.Error("failed to create tenant", "error", err)
		h.httpError(w, "Failed to create tenant", http.StatusInternalServerError)
		return
	}

	err = h.Router.WithTenant(ctx, t.ID, func(ctx context.Context, s *tenant.Scope) error { return nil })
	if err != nil {
		h.Logger.Warn("tenant store not provisioned yet", "tenant_id", t.ID, "error", err)
	}

	h.respondJson(w, http.StatusCreated, api.CreateTenantResponse{
		ID:       t.ID.String(),
		Name:     t.Name,
		Database: t.Store.Database,
		ApiKey:   apiKey,
	})
}

// GetTenant handles GET /tenants/{id} (Admin Only).
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Catalog.LookupTenant(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toTenantResponse(t))
}

// RetireTenant handles POST /tenants/{id}/retire (Admin Only).
// Retired tenants keep their data but can no longer open a scope.
func (h *Handlers) RetireTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Catalog.RetireTenant(ctx, id, h.now().UTC()); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Catalog.LookupTenant(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Logger.Info("tenant retired", "tenant_id", id)
	h.respondJson(w, http.StatusOK, toTenantResponse(t))
}
