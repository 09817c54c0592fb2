package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/counterledger/pkg/domain"
)

// SpanOption configures a span
type SpanOption func(trace.Span)

// WithAttributes adds attributes to a span
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(span trace.Span) {
		span.SetAttributes(attrs...)
	}
}

// StartSpan starts a new span with the given name and options
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	for _, opt := range opts {
		opt(span)
	}
	return ctx, span
}

// EndSpan ends a span, recording err when it is not nil
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace ID from context as a string
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// AddSpanEvent adds an event to the current span in the context
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Attribute keys
var (
	AttrOperation  = attribute.Key("counter.operation")
	AttrCaller     = attribute.Key("counter.caller")
	AttrValue      = attribute.Key("counter.value")
	AttrBlock      = attribute.Key("ledger.block")
	AttrTxHash     = attribute.Key("ledger.tx_hash")
	AttrEventID    = attribute.Key("event.id")
	AttrEventKind  = attribute.Key("event.kind")
	AttrSequence   = attribute.Key("event.sequence")
	AttrEventCount = attribute.Key("event.count")
	AttrProjection = attribute.Key("projection.name")
	AttrCollection = attribute.Key("projection.collection")
	AttrSubject    = attribute.Key("messaging.subject")
	AttrErrorType  = attribute.Key("error.type")
	AttrErrorCode  = attribute.Key("error.code")
)

// EventAttrs returns the attributes identifying a log event
func EventAttrs(evt *domain.Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventID.String(evt.ID()),
		AttrEventKind.String(evt.Kind.String()),
		AttrSequence.Int64(evt.Sequence),
		AttrBlock.Int64(int64(evt.BlockNumber)),
	}
}

// ErrorAttrs returns common error attributes
func ErrorAttrs(err error, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrErrorType.String(fmt.Sprintf("%T", err)),
	}
	if code != "" {
		attrs = append(attrs, AttrErrorCode.String(code))
	}
	return attrs
}
