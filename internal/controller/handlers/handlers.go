// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"docflow/internal/controller/middleware"
	"docflow/internal/logger"
	"docflow/internal/orchestrator"
	"docflow/internal/progress"
	"docflow/internal/stage"
	"docflow/internal/storage"
	"docflow/internal/store"
	"docflow/internal/tenant"
	"docflow/pkg/api"

	"github.com/google/uuid"
)

// Catalog is the tenant registry plus its health check.
type Catalog interface {
	store.TenantRegistry
	Ping(ctx context.Context) error
}

// DeadLetters lists and replays dead-lettered dispatch messages.
type DeadLetters interface {
	ListDLQ(ctx context.Context, tenantID *uuid.UUID, limit, offset int) ([]store.DLQEntry, error)
	RetryFromDLQ(ctx context.Context, id int64) (*store.DLQEntry, error)
}

// TenantRouter opens tenant scopes.
type TenantRouter interface {
	WithTenant(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, s *tenant.Scope) error) error
}

// Jobs is the orchestrator surface used by the API.
type Jobs interface {
	CreateJob(ctx context.Context, scope *tenant.Scope, documentID, pipelineID uuid.UUID) (*store.Job, error)
	CancelJob(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) (*store.Job, error)
	RetryJob(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) (*store.Job, error)
	GetJob(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) (*store.Job, error)
	ListJobs(ctx context.Context, scope *tenant.Scope, documentID uuid.UUID) ([]store.Job, error)
	ListStageExecutions(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) ([]store.StageExecution, error)
}

// DocumentStore persists uploaded document content.
type DocumentStore interface {
	Put(ctx context.Context, tenantID, documentID uuid.UUID, content []byte, mediaType string) (storage.Object, error)
}

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds API limits and tenant defaults.
type Config struct {
	MaxDocumentBytes      int64
	DefaultRateLimit      float64
	DefaultRateLimitBurst int
}

// Deps are the handler dependencies. DeadLetters, Documents and Progress may be nil.
type Deps struct {
	Catalog     Catalog
	DeadLetters DeadLetters
	Router      TenantRouter
	Jobs        Jobs
	Stages      *stage.Registry
	Documents   DocumentStore
	Progress    progress.Tracker
	// Descriptor assigns the store of a new tenant.
	Descriptor func(id uuid.UUID) store.StoreDescriptor
	Checks     []ReadinessCheck
	Logger     *slog.Logger
	Config     Config
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	Deps
	now func() time.Time
}

// New creates a new Handlers instance.
func New(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Noop{}
	}
	if deps.Stages == nil {
		deps.Stages = stage.NewRegistry()
	}
	if deps.Config.MaxDocumentBytes <= 0 {
		deps.Config.MaxDocumentBytes = 64 << 20
	}
	return &Handlers{Deps: deps, now: time.Now}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// badRequest is a client error found while handling a request.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func invalid(msg string) error { return &badRequest{msg: msg} }

// fail maps domain errors to HTTP statuses.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var br *badRequest
	switch {
	case errors.As(err, &br):
		h.httpError(w, br.msg, http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrTenantNotFound):
		h.httpError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrDocumentBusy):
		h.httpError(w, "Document already has an active job", http.StatusConflict)
	case errors.Is(err, store.ErrInvalidTransition):
		h.httpError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrConflict):
		h.httpError(w, "Concurrent modification, try again", http.StatusConflict)
	case errors.Is(err, store.ErrTenantRetired):
		h.httpError(w, "Tenant is retired", http.StatusForbidden)
	case errors.Is(err, tenant.ErrProvisioningFailed):
		h.httpError(w, "Tenant store unavailable", http.StatusServiceUnavailable)
	default:
		logger.FromContext(r.Context(), h.Logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// inTenant runs fn in the scope of the authenticated tenant.
func (h *Handlers) inTenant(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, s *tenant.Scope) error) bool {
	t, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	if err := h.Router.WithTenant(r.Context(), t.ID, fn); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, invalid("Invalid " + name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalid("Invalid " + name)
	}
	return n, nil
}
