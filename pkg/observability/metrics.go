package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the counter ledger.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ledger metrics
	TransitionDuration  metric.Float64Histogram
	TransitionsTotal    metric.Int64Counter
	InvariantViolations metric.Int64Counter
	EventsAppended      metric.Int64Counter

	// Event bus metrics
	EventsPublished metric.Int64Counter
	PublishLatency  metric.Float64Histogram
	PublishErrors   metric.Int64Counter

	// Indexer metrics
	RecordsIndexed  metric.Int64Counter
	DuplicateEvents metric.Int64Counter
	MalformedEvents metric.Int64Counter
	IndexerLag      metric.Int64Gauge
	IndexerErrors   metric.Int64Counter

	// Query metrics
	QueryLatency metric.Float64Histogram

	// Request/reply metrics
	RequestDuration metric.Float64Histogram
	RequestErrors   metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TransitionDuration, err = meter.Float64Histogram(
		"counterledger.transition.duration",
		metric.WithDescription("Ledger transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating transition.duration: %w", err)
	}

	m.TransitionsTotal, err = meter.Int64Counter(
		"counterledger.transition.total",
		metric.WithDescription("Total ledger transactions attempted"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating transition.total: %w", err)
	}

	m.InvariantViolations, err = meter.Int64Counter(
		"counterledger.transition.invariant_violations",
		metric.WithDescription("Transitions rejected by a counter invariant"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating transition.invariant_violations: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"counterledger.events.appended",
		metric.WithDescription("Total events appended to the ledger log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"counterledger.events.published",
		metric.WithDescription("Total events published to the event bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"counterledger.events.publish.latency",
		metric.WithDescription("Event bus publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.publish.latency: %w", err)
	}

	m.PublishErrors, err = meter.Int64Counter(
		"counterledger.events.publish.errors",
		metric.WithDescription("Failed event bus publishes"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.publish.errors: %w", err)
	}

	m.RecordsIndexed, err = meter.Int64Counter(
		"counterledger.indexer.records",
		metric.WithDescription("Projection records written"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating indexer.records: %w", err)
	}

	m.DuplicateEvents, err = meter.Int64Counter(
		"counterledger.indexer.duplicates",
		metric.WithDescription("Events skipped because their record already exists"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating indexer.duplicates: %w", err)
	}

	m.MalformedEvents, err = meter.Int64Counter(
		"counterledger.indexer.malformed",
		metric.WithDescription("Events moved to the dead-letter table"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating indexer.malformed: %w", err)
	}

	m.IndexerLag, err = meter.Int64Gauge(
		"counterledger.indexer.lag",
		metric.WithDescription("Log events not yet indexed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating indexer.lag: %w", err)
	}

	m.IndexerErrors, err = meter.Int64Counter(
		"counterledger.indexer.errors",
		metric.WithDescription("Indexer processing errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating indexer.errors: %w", err)
	}

	m.QueryLatency, err = meter.Float64Histogram(
		"counterledger.query.latency",
		metric.WithDescription("Projection query latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating query.latency: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"counterledger.requests.duration",
		metric.WithDescription("Request handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating requests.duration: %w", err)
	}

	m.RequestErrors, err = meter.Int64Counter(
		"counterledger.requests.errors",
		metric.WithDescription("Requests answered with an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating requests.errors: %w", err)
	}

	return m, nil
}

// RecordTransition records a ledger transaction. eventCount is the number of
// events the transaction appended.
func (m *Metrics) RecordTransition(ctx context.Context, operation string, duration time.Duration, eventCount int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
	}

	m.TransitionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.TransitionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if eventCount > 0 {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs[:1]...))
	}
}

// RecordInvariantViolation counts a rejected transition by reason.
func (m *Metrics) RecordInvariantViolation(ctx context.Context, operation, reason string) {
	if m == nil {
		return
	}
	m.InvariantViolations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("reason", reason),
	))
}

// RecordPublish records an event bus publish
func (m *Metrics) RecordPublish(ctx context.Context, duration time.Duration, eventCount int, err error) {
	if m == nil {
		return
	}
	m.PublishLatency.Record(ctx, duration.Seconds())
	if err != nil {
		m.PublishErrors.Add(ctx, 1)
		return
	}
	m.EventsPublished.Add(ctx, int64(eventCount))
}

// RecordIndexed records the outcome of indexing one event. outcome is one of
// "inserted", "duplicate" or "malformed".
func (m *Metrics) RecordIndexed(ctx context.Context, projection, kind, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("projection", projection),
		attribute.String("kind", kind),
	)
	switch outcome {
	case "inserted":
		m.RecordsIndexed.Add(ctx, 1, attrs)
	case "duplicate":
		m.DuplicateEvents.Add(ctx, 1, attrs)
	case "malformed":
		m.MalformedEvents.Add(ctx, 1, attrs)
	}
}

// RecordIndexerLag records how many log events a projection is behind
func (m *Metrics) RecordIndexerLag(ctx context.Context, projection string, lag int64) {
	if m == nil {
		return
	}
	m.IndexerLag.Record(ctx, lag, metric.WithAttributes(attribute.String("projection", projection)))
}

// RecordIndexerError records an indexer processing error
func (m *Metrics) RecordIndexerError(ctx context.Context, projection string, err error) {
	if m == nil {
		return
	}
	m.IndexerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projection", projection),
		attribute.String("error_type", fmt.Sprintf("%T", err)),
	))
}

// RecordQuery records projection query latency
func (m *Metrics) RecordQuery(ctx context.Context, operation, collection string, duration time.Duration) {
	if m == nil {
		return
	}
	m.QueryLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("collection", collection),
	))
}

// RecordRequest records a handled request. code is empty on success.
func (m *Metrics) RecordRequest(ctx context.Context, subject string, duration time.Duration, code string) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.Bool("success", code == ""),
	))
	if code != "" {
		m.RequestErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("subject", subject),
			attribute.String("code", code),
		))
	}
}
