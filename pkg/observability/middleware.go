package observability

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/counterledger/pkg/cqrs"
)

// HandlerMiddleware wraps request handlers with a server span and request
// metrics. The span is named after the request subject.
func HandlerMiddleware(tel *Telemetry) cqrs.Middleware {
	tracer := tel.Tracer()

	return func(next cqrs.HandlerFunc) cqrs.HandlerFunc {
		return func(ctx context.Context, payload json.RawMessage) (*cqrs.Response, error) {
			subject := "request"
			info, ok := cqrs.RequestInfoFromContext(ctx)
			if ok && info.Subject != "" {
				subject = info.Subject
			}

			ctx, span := tracer.Start(ctx, subject,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("messaging.system", "nats"),
					AttrSubject.String(subject),
					attribute.String("messaging.operation", "process"),
					attribute.String("request.id", info.RequestID),
				),
			)
			defer span.End()

			start := time.Now()
			response, err := next(ctx, payload)
			duration := time.Since(start)

			code := ""
			switch {
			case err != nil:
				code = cqrs.CodeInternal
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case response != nil && response.Error != nil:
				code = response.Error.Code
				span.SetAttributes(
					AttrErrorCode.String(response.Error.Code),
					attribute.String("app.error.message", response.Error.Message),
				)
				span.SetStatus(codes.Error, response.Error.Message)
			default:
				span.SetStatus(codes.Ok, "")
			}
			span.SetAttributes(
				attribute.Bool("success", code == ""),
				attribute.Float64("duration_ms", float64(duration.Milliseconds())),
			)
			tel.Metrics.RecordRequest(ctx, subject, duration, code)

			return response, err
		}
	}
}

// TransportMiddleware provides observability for client requests
type TransportMiddleware struct {
	tel *Telemetry
}

// NewTransportMiddleware creates a new transport middleware
func NewTransportMiddleware(tel *Telemetry) *TransportMiddleware {
	return &TransportMiddleware{tel: tel}
}

// WrapRequest wraps a transport request with a client span
func (m *TransportMiddleware) WrapRequest(ctx context.Context, subject string, operation func(context.Context) (*cqrs.Response, error)) (*cqrs.Response, error) {
	ctx, span := m.tel.Tracer().Start(ctx, subject,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			AttrSubject.String(subject),
			attribute.String("messaging.operation", "request"),
		),
	)
	defer span.End()

	start := time.Now()
	response, err := operation(ctx)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if response != nil && response.Error != nil {
		span.SetAttributes(AttrErrorCode.String(response.Error.Code))
		span.SetStatus(codes.Error, response.Error.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Milliseconds())))

	return response, err
}
