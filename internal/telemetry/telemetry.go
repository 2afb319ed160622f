// Package telemetry owns the OpenTelemetry meter provider and the counters
// reported by the realtime components.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the meter provider.
type Shutdown func(context.Context) error

// Init installs a global meter provider exporting over OTLP/gRPC. The
// exporter endpoint comes from OTEL_EXPORTER_OTLP_ENDPOINT.
func Init(ctx context.Context, serviceName string) (Shutdown, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Metrics groups the counters of the service. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	presenceTransitions metric.Int64Counter
	presenceDeliveries  metric.Int64Counter
	deliveryFailures    metric.Int64Counter
	calls               metric.Int64Counter
	typingSuppressed    metric.Int64Counter
	connections         metric.Int64Counter
}

// NewMetrics creates the counters on the given meter. Pass
// otel.Meter("nexus-realtime") in production.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.presenceTransitions, err = meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Presence state changes applied")); err != nil {
		return nil, err
	}
	if m.presenceDeliveries, err = meter.Int64Counter("presence_deliveries_total",
		metric.WithDescription("Presence deltas delivered to sessions")); err != nil {
		return nil, err
	}
	if m.deliveryFailures, err = meter.Int64Counter("delivery_failures_total",
		metric.WithDescription("Outbound deliveries that failed")); err != nil {
		return nil, err
	}
	if m.calls, err = meter.Int64Counter("calls_total",
		metric.WithDescription("Call state transitions")); err != nil {
		return nil, err
	}
	if m.typingSuppressed, err = meter.Int64Counter("typing_suppressed_total",
		metric.WithDescription("Typing notifications dropped by the throttle")); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64Counter("ws_connections_total",
		metric.WithDescription("WebSocket connections accepted")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) PresenceTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.presenceTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) PresenceDelivered(ctx context.Context) {
	if m == nil {
		return
	}
	m.presenceDeliveries.Add(ctx, 1)
}

func (m *Metrics) DeliveryFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.deliveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) CallTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) TypingSuppressed(ctx context.Context) {
	if m == nil {
		return
	}
	m.typingSuppressed.Add(ctx, 1)
}

func (m *Metrics) ConnectionOpened(ctx context.Context, device string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("device", device)))
}
