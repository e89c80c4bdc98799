package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docflow/internal/store"
	"docflow/pkg/api"

	"github.com/google/uuid"
)

func TestListDLQ(t *testing.T) {
	env := newTestEnv(t)
	env.dlq.entries = []store.DLQEntry{
		{ID: 7, TenantID: env.tenant.ID, JobID: uuid.New(), Reason: "unknown stage type", Attempts: 1, FailedAt: time.Now()},
	}

	req := httptest.NewRequest(http.MethodGet, "/dispatch/dlq?tenant_id="+env.tenant.ID.String()+"&limit=10&offset=5", nil)
	rr := httptest.NewRecorder()
	env.h.ListDLQ(rr, req)

	expectStatus(t, rr, http.StatusOK)
	entries := decode[[]api.DLQEntryResponse](t, rr)
	if len(entries) != 1 || entries[0].ID != 7 || entries[0].Reason != "unknown stage type" {
		t.Errorf("unexpected entries %+v", entries)
	}
	if env.dlq.capturedTID == nil || *env.dlq.capturedTID != env.tenant.ID {
		t.Errorf("tenant filter not passed through: %v", env.dlq.capturedTID)
	}
	if env.dlq.limit != 10 || env.dlq.offset != 5 {
		t.Errorf("got limit %d offset %d", env.dlq.limit, env.dlq.offset)
	}
}

func TestListDLQ_Errors(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/dispatch/dlq?tenant_id=nope", "/dispatch/dlq?limit=x", "/dispatch/dlq?offset=-3"} {
		rr := httptest.NewRecorder()
		env.h.ListDLQ(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", target, rr.Code)
		}
	}

	env.h.DeadLetters = nil
	rr := httptest.NewRecorder()
	env.h.ListDLQ(rr, httptest.NewRequest(http.MethodGet, "/dispatch/dlq", nil))
	expectStatus(t, rr, http.StatusNotImplemented)
}

func TestRetryDLQ(t *testing.T) {
	env := newTestEnv(t)
	env.dlq.entries = []store.DLQEntry{{ID: 3, TenantID: env.tenant.ID, JobID: uuid.New()}}

	tests := []struct {
		name   string
		id     string
		status int
	}{
		{"requeued", "3", http.StatusOK},
		{"unknown", "99", http.StatusNotFound},
		{"invalid", "abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/dispatch/dlq/"+tt.id+"/retry", nil)
			req.SetPathValue("id", tt.id)
			rr := httptest.NewRecorder()
			env.h.RetryDLQ(rr, req)
			expectStatus(t, rr, tt.status)
		})
	}
	if len(env.dlq.retried) != 1 || env.dlq.retried[0] != 3 {
		t.Errorf("expected entry 3 to be retried once, got %v", env.dlq.retried)
	}
}
