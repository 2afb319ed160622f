package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecordCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.CallTransition(ctx, "RINGING")
	m.CallTransition(ctx, "ENDED")
	m.TypingSuppressed(ctx)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	if totals["calls_total"] != 2 {
		t.Errorf("calls_total = %d, want 2", totals["calls_total"])
	}
	if totals["typing_suppressed_total"] != 1 {
		t.Errorf("typing_suppressed_total = %d, want 1", totals["typing_suppressed_total"])
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.PresenceTransition(ctx, "ONLINE")
	m.PresenceDelivered(ctx)
	m.DeliveryFailed(ctx, "presence")
	m.CallTransition(ctx, "ENDED")
	m.TypingSuppressed(ctx)
	m.ConnectionOpened(ctx, "WEB")
}
