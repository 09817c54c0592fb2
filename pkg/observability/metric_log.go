package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// LogExporter is a metric exporter that writes every data point to a slog
// logger. Paired with a periodic reader it gives a single node readable
// metric snapshots without a collector.
type LogExporter struct {
	logger *slog.Logger
	level  slog.Level
}

var _ sdkmetric.Exporter = (*LogExporter)(nil)

// NewLogExporter creates a LogExporter logging at level.
func NewLogExporter(logger *slog.Logger, level slog.Level) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{logger: logger, level: level}
}

// NewLogReader returns a periodic reader exporting to logger.
func NewLogReader(logger *slog.Logger, opts ...sdkmetric.PeriodicReaderOption) sdkmetric.Reader {
	return sdkmetric.NewPeriodicReader(NewLogExporter(logger, slog.LevelInfo), opts...)
}

func (e *LogExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (e *LogExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

// Export logs one record per data point.
func (e *LogExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					e.log(ctx, m.Name, dp.Attributes, slog.Int64("value", dp.Value))
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					e.log(ctx, m.Name, dp.Attributes, slog.Float64("value", dp.Value))
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					e.log(ctx, m.Name, dp.Attributes, slog.Int64("value", dp.Value))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					e.log(ctx, m.Name, dp.Attributes,
						slog.Uint64("count", dp.Count),
						slog.Float64("sum", dp.Sum),
					)
				}
			}
		}
	}
	return nil
}

func (e *LogExporter) log(ctx context.Context, name string, set attribute.Set, values ...slog.Attr) {
	attrs := make([]slog.Attr, 0, set.Len()+len(values)+1)
	attrs = append(attrs, slog.String("metric", name))
	attrs = append(attrs, values...)
	for _, kv := range set.ToSlice() {
		attrs = append(attrs, slog.Any(string(kv.Key), kv.Value.AsInterface()))
	}
	e.logger.LogAttrs(ctx, e.level, "metric", attrs...)
}

func (e *LogExporter) ForceFlush(context.Context) error { return nil }

func (e *LogExporter) Shutdown(context.Context) error { return nil }
