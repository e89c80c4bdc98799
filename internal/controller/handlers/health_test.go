package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProbes(t *testing.T) {
	tests := []struct {
		name           string
		endpoint       string
		setup          func(*testEnv)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Healthz Always OK",
			endpoint:       "/healthz",
			expectedStatus: http.StatusOK,
			expectedBody:   "healthy",
		},
		{
			name:           "Readyz Success",
			endpoint:       "/readyz",
			expectedStatus: http.StatusOK,
			expectedBody:   `"status":"ready"`,
		},
		{
			name:           "Readyz Database Fail",
			endpoint:       "/readyz",
			setup:          func(e *testEnv) { e.catalog.pingErr = errors.New("db down") },
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "db down",
		},
		{
			name:     "Readyz Dependency Fail",
			endpoint: "/readyz",
			setup: func(e *testEnv) {
				e.h.Checks = []ReadinessCheck{{Name: "storage", Check: func(ctx context.Context) error {
					return errors.New("bucket missing")
				}}}
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   `"name":"storage","status":"fail"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}

			req := httptest.NewRequest(http.MethodGet, tt.endpoint, nil)
			rr := httptest.NewRecorder()

			// Route manually since we are testing specific handler functions
			if tt.endpoint == "/healthz" {
				env.h.Healthz(rr, req)
			} else {
				env.h.Readyz(rr, req)
			}

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("body %s does not contain %q", rr.Body.String(), tt.expectedBody)
			}
		})
	}
}
