// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

type (
	requestIDKey struct{}
	tenantIDKey  struct{}
	jobIDKey     struct{}
)

// New creates a new structured JSON logger at info level.
func New() *slog.Logger {
	return NewWithLevel(os.Stdout, "info")
}

// NewWithLevel creates a JSON logger writing to w. Unknown levels fall back to info.
func NewWithLevel(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTenantID returns a new context carrying the tenant ID for log lines.
func WithTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, id)
}

// WithJobID returns a new context carrying the job ID for log lines.
func WithJobID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// FromContext returns a logger with context fields (request, tenant and job IDs) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	var attrs []any
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		attrs = append(attrs, "request_id", reqID)
	}
	if id, ok := ctx.Value(tenantIDKey{}).(uuid.UUID); ok {
		attrs = append(attrs, "tenant_id", id.String())
	}
	if id, ok := ctx.Value(jobIDKey{}).(uuid.UUID); ok {
		attrs = append(attrs, "job_id", id.String())
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}
