// Package observability wires OpenTelemetry metrics and tracing for the
// relay. Metrics are exported through the Prometheus bridge and served
// from the admin listener; traces ship over OTLP/gRPC.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Metrics holds the relay's instruments. The zero value is a disabled
// recorder: every method is nil-safe so call sites never branch.
type Metrics struct {
	requestDuration  metric.Float64Histogram
	requestsTotal    metric.Int64Counter
	errorsTotal      metric.Int64Counter
	retriesTotal     metric.Int64Counter
	streamsTotal     metric.Int64Counter
	upstreamDuration metric.Float64Histogram
}

func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("polyrelay")

	requestDuration, err := meter.Float64Histogram(
		"polyrelay_request_duration_seconds",
		metric.WithDescription("Inbound request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	requestsTotal, err := meter.Int64Counter(
		"polyrelay_requests_total",
		metric.WithDescription("Total inbound requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	errorsTotal, err := meter.Int64Counter(
		"polyrelay_errors_total",
		metric.WithDescription("Total requests that ended in an error envelope"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}

	retriesTotal, err := meter.Int64Counter(
		"polyrelay_upstream_retries_total",
		metric.WithDescription("Total upstream retry attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	streamsTotal, err := meter.Int64Counter(
		"polyrelay_streams_total",
		metric.WithDescription("Total streaming responses served"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streams counter: %w", err)
	}

	upstreamDuration, err := meter.Float64Histogram(
		"polyrelay_upstream_duration_seconds",
		metric.WithDescription("Upstream call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream duration histogram: %w", err)
	}

	return &Metrics{
		requestDuration:  requestDuration,
		requestsTotal:    requestsTotal,
		errorsTotal:      errorsTotal,
		retriesTotal:     retriesTotal,
		streamsTotal:     streamsTotal,
		upstreamDuration: upstreamDuration,
	}, nil
}

func familyAttrs(ingress, egress string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("ingress", ingress),
		attribute.String("egress", egress),
	)
}

func (m *Metrics) RecordRequest(ctx context.Context, ingress, egress string, d time.Duration) {
	if m == nil || m.requestsTotal == nil {
		return
	}
	attrs := familyAttrs(ingress, egress)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordError(ctx context.Context, ingress, code string) {
	if m == nil || m.errorsTotal == nil {
		return
	}
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ingress", ingress),
		attribute.String("code", code),
	))
}

func (m *Metrics) RecordRetry(ctx context.Context, egress string) {
	if m == nil || m.retriesTotal == nil {
		return
	}
	m.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("egress", egress)))
}

func (m *Metrics) RecordStream(ctx context.Context, ingress, egress string) {
	if m == nil || m.streamsTotal == nil {
		return
	}
	m.streamsTotal.Add(ctx, 1, familyAttrs(ingress, egress))
}

func (m *Metrics) RecordUpstream(ctx context.Context, egress string, d time.Duration) {
	if m == nil || m.upstreamDuration == nil {
		return
	}
	m.upstreamDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("egress", egress)))
}
