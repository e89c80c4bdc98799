package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docflow/pkg/api"

	"github.com/spf13/viper"
)

func TestDLQList_Success(t *testing.T) {
	resetViper()

	// Mock server returning a list of dead letters
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if r.URL.Path != "/dispatch/dlq" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer admin-secret" {
			t.Errorf("expected the admin token, got: %s", r.Header.Get("Authorization"))
		}

		resp := []api.DLQEntryResponse{{
			ID:       7,
			TenantID: "tenant-1",
			JobID:    "job-1",
			Reason:   "tenant not found",
			Attempts: 1,
			FailedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_token", "admin-secret")

	output, err := execute(t, "dlq", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify table headers and content presence
	for _, s := range []string{"ID", "TENANT", "REASON", "tenant-1", "job-1", "tenant not found", "2024-01-01T12:00:00Z"} {
		if !strings.Contains(output, s) {
			t.Errorf("expected output to contain %q, got:\n%s", s, output)
		}
	}
}

func TestDLQList_PaginationAndTenant(t *testing.T) {
	resetViper()

	// Mock server verifying query parameters
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("limit") != "5" || query.Get("offset") != "10" || query.Get("tenant_id") != "tenant-9" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]api.DLQEntryResponse{})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_token", "admin-secret")

	output, err := execute(t, "dlq", "list", "--limit", "5", "--offset", "10", "--tenant", "tenant-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "No more messages found in DLQ.") {
		t.Errorf("expected empty page message, got: %s", output)
	}
}

func TestDLQRetry(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/dispatch/dlq/7/retry" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.DLQEntryResponse{ID: 7, TenantID: "tenant-1", JobID: "job-1"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_token", "admin-secret")

	output, err := execute(t, "dlq", "retry", "7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Message 7 requeued") || !strings.Contains(output, "job-1") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestDLQRetry_Errors(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Dead letters are kept by the message broker"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_token", "admin-secret")

	if _, err := execute(t, "dlq", "retry", "abc"); err == nil || !strings.Contains(err.Error(), "invalid DLQ id") {
		t.Errorf("expected invalid id error, got %v", err)
	}
	if _, err := execute(t, "dlq", "retry", "3"); err == nil || !strings.Contains(err.Error(), "message broker") {
		t.Errorf("expected API error, got %v", err)
	}
}
