// Package telemetry provides OpenTelemetry metrics for the relay's
// error classification, reporting and rate limiting paths.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can hold an optional metrics handle without guarding every call site.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used for all relay instruments.
const MeterName = "github.com/strongdm/ai-relay-observe"

// Metrics holds the counters recorded by the observability core.
type Metrics struct {
	classified   metric.Int64Counter
	reports      metric.Int64Counter
	dropped      metric.Int64Counter
	flushFailure metric.Int64Counter
	rejections   metric.Int64Counter
}

// NewMetrics creates the relay instruments on the given provider.
// A nil provider uses the global OpenTelemetry MeterProvider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)

	classified, err := meter.Int64Counter(
		"relay.errors.classified",
		metric.WithDescription("Errors classified by kind and severity"),
	)
	if err != nil {
		return nil, err
	}

	reports, err := meter.Int64Counter(
		"relay.reports.total",
		metric.WithDescription("Error reports delivered to the active sink"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter(
		"relay.reports.dropped",
		metric.WithDescription("Error reports dropped before reaching a sink"),
	)
	if err != nil {
		return nil, err
	}

	flushFailure, err := meter.Int64Counter(
		"relay.sink.flush.failures",
		metric.WithDescription("Sink batch deliveries that exhausted their retries"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"relay.ratelimit.rejections",
		metric.WithDescription("Requests rejected by the per-actor rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		classified:   classified,
		reports:      reports,
		dropped:      dropped,
		flushFailure: flushFailure,
		rejections:   rejections,
	}, nil
}

// RecordClassification counts one classifier decision.
func (m *Metrics) RecordClassification(ctx context.Context, kind, severity string, retry bool) {
	if m == nil {
		return
	}
	m.classified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.kind", kind),
		attribute.String("severity", severity),
		attribute.Bool("retry", retry),
	))
}

// RecordReport counts a report handed to a sink.
func (m *Metrics) RecordReport(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	m.reports.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", severity),
	))
}

// RecordDropped counts reports discarded for the given reason
// (uninitialized, queue_full, filtered, ...).
func (m *Metrics) RecordDropped(ctx context.Context, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordFlushFailure counts a batch that could not be delivered.
func (m *Metrics) RecordFlushFailure(ctx context.Context, sink string, batchSize int) {
	if m == nil {
		return
	}
	m.flushFailure.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.Int("batch.size", batchSize),
	))
}

// RecordRateLimitRejection counts a rejected admission.
func (m *Metrics) RecordRateLimitRejection(ctx context.Context) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1)
}
