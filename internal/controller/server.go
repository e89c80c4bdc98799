// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"docflow/internal/controller/handlers"
	"docflow/internal/controller/middleware"
)

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// Options wires the controller's collaborators.
type Options struct {
	Addr           string
	Handlers       *handlers.Handlers
	Tenants        middleware.TenantLookup
	InternalSecret string
	Limiter        *middleware.RateLimiter
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
	// WriteTimeout bounds uploads as well as responses.
	WriteTimeout time.Duration
}

// New creates a new controller server.
func New(opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      Routes(opts),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: writeTimeout(opts.WriteTimeout),
		},
	}
}

// Routes builds the full handler tree, middleware included.
func Routes(opts Options) http.Handler {
	h := opts.Handlers
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter()
	}

	admin := middleware.RequireAdminToken(opts.InternalSecret)
	authMW := middleware.AuthMiddleware(opts.Tenants)
	rateMW := limiter.Middleware()
	tenantAPI := func(fn http.HandlerFunc) http.Handler {
		return authMW(rateMW(fn))
	}

	mux := http.NewServeMux()

	// Probes
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Operator endpoints, authenticated with the shared system secret.
	mux.Handle("POST /tenants", admin(http.HandlerFunc(h.CreateTenant)))
	mux.Handle("GET /tenants/{id}", admin(http.HandlerFunc(h.GetTenant)))
	mux.Handle("POST /tenants/{id}/retire", admin(http.HandlerFunc(h.RetireTenant)))
	mux.Handle("GET /dispatch/dlq", admin(http.HandlerFunc(h.ListDLQ)))
	mux.Handle("POST /dispatch/dlq/{id}/retry", admin(http.HandlerFunc(h.RetryDLQ)))

	// Public authenticated apis
	mux.Handle("POST /pipelines", tenantAPI(h.CreatePipeline))
	mux.Handle("GET /pipelines", tenantAPI(h.ListPipelines))
	mux.Handle("GET /pipelines/{id}", tenantAPI(h.GetPipeline))
	mux.Handle("PUT /pipelines/{id}", tenantAPI(h.UpdatePipeline))

	mux.Handle("POST /documents", tenantAPI(h.UploadDocument))
	mux.Handle("GET /documents/{id}", tenantAPI(h.GetDocument))
	mux.Handle("POST /documents/{id}/jobs", tenantAPI(h.CreateDocumentJob))

	mux.Handle("GET /jobs", tenantAPI(h.ListJobs))
	mux.Handle("GET /jobs/{id}", tenantAPI(h.GetJob))
	mux.Handle("GET /jobs/{id}/progress", tenantAPI(h.GetJobProgress))
	mux.Handle("POST /jobs/{id}/cancel", tenantAPI(h.CancelJob))
	mux.Handle("POST /jobs/{id}/retry", tenantAPI(h.RetryJob))

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}

func writeTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
