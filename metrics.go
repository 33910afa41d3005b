package pagecache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/always-cache/pagecache"

type metrics struct {
	requests metric.Int64Counter
	writes   metric.Int64Counter
	errors   metric.Int64Counter
}

// newMetrics creates the cache counters.
// The global meter provider is used if mp is nil.
func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	requests, err := meter.Int64Counter(
		"pagecache.requests",
		metric.WithDescription("Requests seen by the page cache, by cache status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	writes, err := meter.Int64Counter(
		"pagecache.writes",
		metric.WithDescription("Responses written to the cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	errors, err := meter.Int64Counter(
		"pagecache.errors",
		metric.WithDescription("Failed cache operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{
		requests: requests,
		writes:   writes,
		errors:   errors,
	}, nil
}

func (m *metrics) request(ctx context.Context, cs CacheStatus) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(cs.Status)),
		attribute.String("fwd", string(cs.FwdReason)),
	))
}

func (m *metrics) write(ctx context.Context) {
	m.writes.Add(ctx, 1)
}

func (m *metrics) error(ctx context.Context, op string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
