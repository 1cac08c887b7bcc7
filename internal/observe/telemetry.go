package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// serviceName is reported as service.name on every metric and span.
const serviceName = "huntmaster"

// Telemetry owns the process-wide meter and tracer providers installed by
// [Start].
type Telemetry struct {
	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
}

// TelemetryOption configures [Start].
type TelemetryOption func(*telemetryOptions)

type telemetryOptions struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers the Prometheus collector with r instead of the
// default registry that promhttp.Handler serves.
func WithRegisterer(r prometheus.Registerer) TelemetryOption {
	return func(o *telemetryOptions) { o.registerer = r }
}

// Start installs global OpenTelemetry providers: metrics are bridged to
// Prometheus, spans are recorded for trace propagation and log correlation.
// Call [Telemetry.Shutdown] before exit.
func Start(version string, opts ...TelemetryOption) (*Telemetry, error) {
	var o telemetryOptions
	for _, fn := range opts {
		fn(&o)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	var exporterOpts []promexporter.Option
	if o.registerer != nil {
		exporterOpts = append(exporterOpts, promexporter.WithRegisterer(o.registerer))
	}
	exporter, err := promexporter.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	t := &Telemetry{
		meters:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter)),
		tracers: sdktrace.NewTracerProvider(sdktrace.WithResource(res)),
	}
	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracers)
	return t, nil
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.tracers.Shutdown(ctx))
}
