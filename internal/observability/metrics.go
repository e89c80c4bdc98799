package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// initMetrics exports OTel instruments on a private Prometheus registry that also carries
// the Go runtime and process collectors.
func (t *Telemetry) initMetrics(res *resource.Resource) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	t.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	t.shutdown = append(t.shutdown, provider.Shutdown)
	return nil
}

// RegisterGauge registers an observable gauge that calls observe only when scraped.
// Errors from observe are logged and the sample is skipped, so a slow database never
// fails a scrape.
func RegisterGauge(meterName, name, description string, observe func(ctx context.Context) (int64, error), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	_, err := otel.Meter(meterName).Int64ObservableGauge(name,
		otelmetric.WithDescription(description),
		otelmetric.WithInt64Callback(func(ctx context.Context, obs otelmetric.Int64Observer) error {
			v, err := observe(ctx)
			if err != nil {
				logger.Warn("gauge observation failed", "metric", name, "error", err)
				return nil
			}
			obs.Observe(v)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", name, err)
	}
	return nil
}
