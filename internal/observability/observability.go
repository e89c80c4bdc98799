// Package observability wires OpenTelemetry tracing and metrics for the docflow binaries.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Config describes the process being instrumented.
type Config struct {
	ServiceName string
	// InstanceID tells replicas apart, e.g. the worker id or host name.
	InstanceID string
	// OTLPEndpoint is the gRPC collector address. Empty disables trace export.
	OTLPEndpoint string
}

// Telemetry owns the installed providers.
type Telemetry struct {
	metrics  http.Handler
	shutdown []func(context.Context) error
}

// Setup installs the global propagator, tracer provider and meter provider.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.InstanceID))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t := &Telemetry{}
	if err := t.initTracing(ctx, cfg.OTLPEndpoint, res); err != nil {
		return nil, err
	}
	if err := t.initMetrics(res); err != nil {
		_ = t.Shutdown(ctx)
		return nil, err
	}
	return t, nil
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metrics
}

// Shutdown flushes and stops the providers in reverse setup order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, t.shutdown[i](ctx))
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
