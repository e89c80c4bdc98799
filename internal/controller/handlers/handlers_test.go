package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"docflow/internal/controller/middleware"
	"docflow/internal/dispatch"
	"docflow/internal/orchestrator"
	"docflow/internal/progress"
	"docflow/internal/stage"
	"docflow/internal/storage"
	"docflow/internal/store"
	"docflow/internal/store/memory"
	"docflow/internal/tenant"
	"docflow/pkg/api"

	"github.com/google/uuid"
)

// mockCatalog is an in-memory tenant registry.
type mockCatalog struct {
	mu              sync.Mutex
	tenants         map[uuid.UUID]*store.Tenant
	keys            map[string]uuid.UUID
	createTenantErr error
	pingErr         error
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{tenants: map[uuid.UUID]*store.Tenant{}, keys: map[string]uuid.UUID{}}
}

func (m *mockCatalog) CreateTenant(ctx context.Context, t *store.Tenant, hashedKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createTenantErr != nil {
		return m.createTenantErr
	}
	cp := *t
	m.tenants[t.ID] = &cp
	m.keys[hashedKey] = t.ID
	return nil
}

func (m *mockCatalog) LookupTenant(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, store.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockCatalog) GetTenantByAPIKeyHash(ctx context.Context, hash string) (*store.Tenant, error) {
	m.mu.Lock()
	id, ok := m.keys[hash]
	m.mu.Unlock()
	if !ok {
		return nil, store.ErrTenantNotFound
	}
	return m.LookupTenant(ctx, id)
}

func (m *mockCatalog) RetireTenant(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return store.ErrTenantNotFound
	}
	t.Status = store.TenantStatusRetired
	if t.RetiredAt == nil {
		t.RetiredAt = &at
	}
	return nil
}

func (m *mockCatalog) Ping(ctx context.Context) error { return m.pingErr }

type noopProvisioner struct{}

func (noopProvisioner) Provision(ctx context.Context, t *store.Tenant) error { return nil }

// repoConnector hands every tenant its own memory store.
type repoConnector struct {
	mu    sync.Mutex
	repos map[uuid.UUID]*memory.Store
}

func (c *repoConnector) Connect(ctx context.Context, t *store.Tenant) (store.TenantRepository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	repo, ok := c.repos[t.ID]
	if !ok {
		repo = memory.New()
		c.repos[t.ID] = repo
	}
	return repo, nil
}

// mockDocuments keeps uploaded content in memory.
type mockDocuments struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (m *mockDocuments) Put(ctx context.Context, tenantID, documentID uuid.UUID, content []byte, mediaType string) (storage.Object, error) {
	if m.putErr != nil {
		return storage.Object{}, m.putErr
	}
	key := storage.ObjectKey(tenantID, documentID)
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), content...)
	m.mu.Unlock()
	return storage.Object{
		Location:    key,
		ContentHash: storage.HashBytes(content),
		Size:        int64(len(content)),
		MediaType:   mediaType,
	}, nil
}

type mockDeadLetters struct {
	entries     []store.DLQEntry
	capturedTID *uuid.UUID
	limit       int
	offset      int
	retried     []int64
}

func (m *mockDeadLetters) ListDLQ(ctx context.Context, tenantID *uuid.UUID, limit, offset int) ([]store.DLQEntry, error) {
	m.capturedTID, m.limit, m.offset = tenantID, limit, offset
	return m.entries, nil
}

func (m *mockDeadLetters) RetryFromDLQ(ctx context.Context, id int64) (*store.DLQEntry, error) {
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.retried = append(m.retried, id)
			return &m.entries[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// strictHandler rejects configurations without a "field" key.
type strictHandler struct{}

func (strictHandler) Run(ctx context.Context, doc store.Document, cfg json.RawMessage, sc stage.Context) stage.Result {
	return stage.Success(nil)
}

func (strictHandler) ValidateConfig(cfg json.RawMessage) error {
	var v struct {
		Field string `json:"field"`
	}
	if err := json.Unmarshal(cfg, &v); err != nil || v.Field == "" {
		return errors.New("field is required")
	}
	return nil
}

type testEnv struct {
	t         *testing.T
	h         *Handlers
	catalog   *mockCatalog
	docs      *mockDocuments
	dlq       *mockDeadLetters
	queue     *dispatch.MemoryQueue
	orch      *orchestrator.Orchestrator
	progress  *progress.Memory
	connector *repoConnector
	tenant    *store.Tenant
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	catalog := newMockCatalog()
	connector := &repoConnector{repos: map[uuid.UUID]*memory.Store{}}
	router := tenant.NewRouter(catalog, noopProvisioner{}, connector, logger)

	stages := stage.NewRegistry()
	stages.MustRegister("noop", func() stage.Handler {
		return stage.HandlerFunc(func(ctx context.Context, doc store.Document, cfg json.RawMessage, sc stage.Context) stage.Result {
			return stage.Success(nil)
		})
	})
	stages.MustRegister("strict", func() stage.Handler { return strictHandler{} })
	stages.MustRegister("broken", func() stage.Handler {
		return stage.HandlerFunc(func(ctx context.Context, doc store.Document, cfg json.RawMessage, sc stage.Context) stage.Result {
			return stage.Invalid("%s", "missing template")
		})
	})

	queue := dispatch.NewMemoryQueue(time.Minute)
	tracker := progress.NewMemory()
	orch := orchestrator.New(orchestrator.Config{DefaultMaxAttempts: 3}, stages, queue, nil, logger,
		orchestrator.WithProgress(tracker))

	env := &testEnv{
		t:         t,
		catalog:   catalog,
		docs:      &mockDocuments{objects: map[string][]byte{}},
		dlq:       &mockDeadLetters{},
		queue:     queue,
		orch:      orch,
		progress:  tracker,
		connector: connector,
	}
	env.h = New(Deps{
		Catalog:     catalog,
		DeadLetters: env.dlq,
		Router:      router,
		Jobs:        orch,
		Stages:      stages,
		Documents:   env.docs,
		Progress:    tracker,
		Descriptor: func(id uuid.UUID) store.StoreDescriptor {
			return store.StoreDescriptor{Database: "docflow_tenant_" + strings.ReplaceAll(id.String(), "-", "")}
		},
		Logger: logger,
		Config: Config{MaxDocumentBytes: 1024, DefaultRateLimit: 10, DefaultRateLimitBurst: 20},
	})

	env.tenant = &store.Tenant{ID: uuid.New(), Name: "acme", Status: store.TenantStatusActive}
	if err := catalog.CreateTenant(context.Background(), env.tenant, "hash"); err != nil {
		t.Fatalf("failed to seed tenant: %v", err)
	}
	return env
}

// request builds a request authenticated as the env tenant. Path values are "name=value" pairs.
func (e *testEnv) request(method, target string, body io.Reader, pathValues ...string) *http.Request {
	req := httptest.NewRequest(method, target, body)
	for _, pv := range pathValues {
		name, value, _ := strings.Cut(pv, "=")
		req.SetPathValue(name, value)
	}
	return req.WithContext(middleware.NewContextWithTenant(req.Context(), e.tenant))
}

func (e *testEnv) jsonBody(v any) io.Reader {
	b, err := json.Marshal(v)
	if err != nil {
		e.t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("handler returned wrong status code: got %d want %d (body %s)", rr.Code, want, rr.Body.String())
	}
}

// createPipeline stores a pipeline through the API.
func (e *testEnv) createPipeline(stages ...api.StageConfig) api.PipelineResponse {
	e.t.Helper()
	rr := httptest.NewRecorder()
	e.h.CreatePipeline(rr, e.request(http.MethodPost, "/pipelines",
		e.jsonBody(api.PipelineRequest{Name: "invoices", Stages: stages})))
	expectStatus(e.t, rr, http.StatusCreated)
	return decode[api.PipelineResponse](e.t, rr)
}

// upload posts content as a document, optionally starting a pipeline.
func (e *testEnv) upload(content string, pipelineID string) api.UploadDocumentResponse {
	e.t.Helper()
	target := "/documents?name=invoice.txt"
	if pipelineID != "" {
		target += "&pipeline_id=" + pipelineID
	}
	req := e.request(http.MethodPost, target, strings.NewReader(content))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	rr := httptest.NewRecorder()
	e.h.UploadDocument(rr, req)
	expectStatus(e.t, rr, http.StatusCreated)
	return decode[api.UploadDocumentResponse](e.t, rr)
}

// runStage advances a job by one stage as a worker would.
func (e *testEnv) runStage(jobID string) {
	e.t.Helper()
	err := e.h.Router.WithTenant(e.t.Context(), e.tenant.ID, func(ctx context.Context, s *tenant.Scope) error {
		_, err := e.orch.RunNextStage(ctx, s, uuid.MustParse(jobID))
		return err
	})
	var cfgErr *orchestrator.ConfigError
	if err != nil && !errors.As(err, &cfgErr) {
		e.t.Fatalf("RunNextStage failed: %v", err)
	}
}

func TestFail_MapsDomainErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		err  error
		want int
	}{
		{invalid("bad"), http.StatusBadRequest},
		{fmt.Errorf("job x: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrTenantNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: doc", orchestrator.ErrDocumentBusy), http.StatusConflict},
		{fmt.Errorf("%w: cannot cancel", store.ErrInvalidTransition), http.StatusConflict},
		{store.ErrConflict, http.StatusConflict},
		{store.ErrTenantRetired, http.StatusForbidden},
		{&tenant.ProvisioningError{TenantID: uuid.New(), Err: errors.New("no db")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.h.fail(rr, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			if rr.Code != tt.want {
				t.Errorf("got %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestInTenant_RequiresAuthenticatedTenant(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.h.ListPipelines(rr, httptest.NewRequest(http.MethodGet, "/pipelines", nil))

	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestInTenant_RetiredTenant(t *testing.T) {
	env := newTestEnv(t)
	env.catalog.RetireTenant(context.Background(), env.tenant.ID, time.Now())

	rr := httptest.NewRecorder()
	env.h.ListPipelines(rr, env.request(http.MethodGet, "/pipelines", nil))

	expectStatus(t, rr, http.StatusForbidden)
}
