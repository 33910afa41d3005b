package pagecache

import (
	"context"
	"testing"

	"github.com/always-cache/pagecache/cache"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

// sumCounter adds up the data points of a counter whose attributes include the given ones.
func sumCounter(rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
		points:
			for _, dp := range sum.DataPoints {
				for _, kv := range attrs {
					if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	logger := zerolog.Nop()
	p, err := New(Config{Cache: cache.NewMemoryStore(), Logger: &logger, MeterProvider: mp})
	if err != nil {
		t.Fatal(err)
	}
	var handleCount int
	mw := p.Middleware(countingHandler(&handleCount, "page"))

	do(mw, "GET", "/")
	do(mw, "GET", "/")
	do(mw, "GET", "/")
	do(mw, "POST", "/")

	rm := collect(t, reader)
	if n := sumCounter(rm, "pagecache.requests"); n != 4 {
		t.Errorf("expected 4 requests, got %d", n)
	}
	if n := sumCounter(rm, "pagecache.requests", attribute.String("status", "hit")); n != 2 {
		t.Errorf("expected 2 hits, got %d", n)
	}
	if n := sumCounter(rm, "pagecache.requests", attribute.String("fwd", "method")); n != 1 {
		t.Errorf("expected 1 method forward, got %d", n)
	}
	if n := sumCounter(rm, "pagecache.writes"); n != 1 {
		t.Errorf("expected 1 write, got %d", n)
	}
}

func TestMetricsCountErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	logger := zerolog.Nop()
	p, err := New(Config{Cache: failingStore{cache.NewMemoryStore()}, Logger: &logger, MeterProvider: mp})
	if err != nil {
		t.Fatal(err)
	}
	var handleCount int
	do(p.Middleware(countingHandler(&handleCount, "page")), "GET", "/")

	rm := collect(t, reader)
	if n := sumCounter(rm, "pagecache.errors", attribute.String("op", "write")); n != 1 {
		t.Errorf("expected 1 write error, got %d", n)
	}
	if n := sumCounter(rm, "pagecache.writes"); n != 0 {
		t.Errorf("expected no writes, got %d", n)
	}
}
