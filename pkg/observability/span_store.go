package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const spansSchema = `
CREATE TABLE IF NOT EXISTS otel_spans (
	span_id        TEXT PRIMARY KEY,
	trace_id       TEXT NOT NULL,
	parent_span_id TEXT,
	name           TEXT NOT NULL,
	start_time     INTEGER NOT NULL,
	end_time       INTEGER NOT NULL,
	status_code    INTEGER NOT NULL,
	status_message TEXT,
	attributes     TEXT
);
CREATE INDEX IF NOT EXISTS idx_otel_spans_trace_id ON otel_spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_otel_spans_start_time ON otel_spans(start_time);
`

// SpanStore is a span exporter that keeps finished spans in a SQLite table,
// so a single node can inspect its own traces without a collector.
type SpanStore struct {
	db        *sql.DB
	retention time.Duration
	mu        sync.Mutex
}

var _ sdktrace.SpanExporter = (*SpanStore)(nil)

// NewSpanStore creates the spans table on db. A retention of zero keeps
// spans forever.
func NewSpanStore(db *sql.DB, retention time.Duration) (*SpanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := db.Exec(spansSchema); err != nil {
		return nil, fmt.Errorf("creating spans table: %w", err)
	}
	return &SpanStore{db: db, retention: retention}, nil
}

// ExportSpans implements sdktrace.SpanExporter
func (s *SpanStore) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, span := range spans {
		var parent *string
		if span.Parent().SpanID().IsValid() {
			id := span.Parent().SpanID().String()
			parent = &id
		}
		attrs, err := json.Marshal(attributesToMap(span.Attributes()))
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO otel_spans
				(span_id, trace_id, parent_span_id, name, start_time, end_time, status_code, status_message, attributes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			span.SpanContext().SpanID().String(),
			span.SpanContext().TraceID().String(),
			parent,
			span.Name(),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			span.Status().Description,
			string(attrs),
		); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention).UnixNano()
		if _, err := tx.ExecContext(ctx, `DELETE FROM otel_spans WHERE start_time < ?`, cutoff); err != nil {
			return fmt.Errorf("prune spans: %w", err)
		}
	}

	return tx.Commit()
}

// Shutdown implements sdktrace.SpanExporter. The connection is owned by the
// caller.
func (s *SpanStore) Shutdown(context.Context) error {
	return nil
}

// StoredSpan is a span read back from the store.
type StoredSpan struct {
	SpanID       string         `json:"spanId"`
	TraceID      string         `json:"traceId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Name         string         `json:"name"`
	Start        time.Time      `json:"start"`
	Duration     time.Duration  `json:"duration"`
	Error        bool           `json:"error"`
	Message      string         `json:"message,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// SpanQuery filters Spans. Empty fields match everything.
type SpanQuery struct {
	TraceID string
	Name    string
	Limit   int
}

// Spans returns stored spans, most recent first.
func (s *SpanStore) Spans(ctx context.Context, q SpanQuery) ([]StoredSpan, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT span_id, trace_id, parent_span_id, name, start_time, end_time, status_code, status_message, attributes
		FROM otel_spans
		WHERE (? = '' OR trace_id = ?) AND (? = '' OR name = ?)
		ORDER BY start_time DESC
		LIMIT ?`,
		q.TraceID, q.TraceID, q.Name, q.Name, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var spans []StoredSpan
	for rows.Next() {
		var (
			sp         StoredSpan
			parent     sql.NullString
			message    sql.NullString
			attrs      sql.NullString
			start, end int64
			status     int
		)
		if err := rows.Scan(&sp.SpanID, &sp.TraceID, &parent, &sp.Name, &start, &end, &status, &message, &attrs); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		sp.ParentSpanID = parent.String
		sp.Message = message.String
		sp.Start = time.Unix(0, start)
		sp.Duration = time.Duration(end - start)
		sp.Error = codes.Code(status) == codes.Error
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &sp.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal span attributes: %w", err)
			}
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		m[string(attr.Key)] = attr.Value.AsInterface()
	}
	return m
}
