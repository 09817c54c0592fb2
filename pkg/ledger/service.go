// Package ledger exposes the counter transitions to the rest of the system.
// It runs each transition against the authoritative store and then hands the
// committed events to the event bus.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/counterledger/pkg/counter"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/messaging"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/store"
)

// Service runs counter transitions and publishes their events.
type Service struct {
	ledger  store.Ledger
	bus     messaging.EventBus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithEventBus publishes committed events to bus.
func WithEventBus(bus messaging.EventBus) Option {
	return func(s *Service) {
		s.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTelemetry enables tracing and metrics.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(s *Service) {
		s.tracer = tel.Tracer()
		s.metrics = tel.Metrics
	}
}

// NewService creates a ledger service on top of l.
func NewService(l store.Ledger, opts ...Option) *Service {
	s := &Service{
		ledger: l,
		logger: slog.Default(),
		tracer: observability.Disabled().Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment adds one to the counter.
func (s *Service) Increment(ctx context.Context, caller string) (*store.Receipt, error) {
	return s.Execute(ctx, caller, counter.OpIncrement)
}

// Decrement subtracts one from the counter. It fails with
// domain.ErrInvariantViolation when the counter is zero.
func (s *Service) Decrement(ctx context.Context, caller string) (*store.Receipt, error) {
	return s.Execute(ctx, caller, counter.OpDecrement)
}

// Reset sets the counter to zero.
func (s *Service) Reset(ctx context.Context, caller string) (*store.Receipt, error) {
	return s.Execute(ctx, caller, counter.OpReset)
}

// Execute applies ops as one ledger transaction. Events are published only
// after the transaction committed; a publish failure is logged and the
// receipt is still returned, since the indexer reads the log directly.
func (s *Service) Execute(ctx context.Context, caller string, ops ...counter.Operation) (*store.Receipt, error) {
	name := operationName(ops)

	ctx, span := observability.StartSpan(ctx, s.tracer, "ledger."+name,
		observability.WithAttributes(
			observability.AttrOperation.String(name),
			observability.AttrCaller.String(caller),
		),
	)

	start := time.Now()
	receipt, err := s.ledger.Execute(ctx, caller, ops...)
	duration := time.Since(start)

	if err != nil {
		s.metrics.RecordTransition(ctx, name, duration, 0, err)

		var ive *domain.InvariantViolationError
		if errors.As(err, &ive) {
			s.metrics.RecordInvariantViolation(ctx, name, ive.Reason)
			s.logger.WarnContext(ctx, "transition rejected",
				slog.String("operation", name),
				slog.String("caller", caller),
				slog.String("reason", ive.Reason),
			)
		} else {
			s.logger.ErrorContext(ctx, "transition failed",
				slog.String("operation", name),
				slog.String("caller", caller),
				slog.String("error", err.Error()),
			)
		}
		observability.EndSpan(span, err)
		return nil, err
	}

	s.metrics.RecordTransition(ctx, name, duration, len(receipt.Events), nil)
	span.SetAttributes(
		observability.AttrValue.Int64(int64(receipt.Value)),
		observability.AttrBlock.Int64(int64(receipt.BlockNumber)),
		observability.AttrTxHash.String(receipt.TxHash),
		observability.AttrEventCount.Int(len(receipt.Events)),
	)
	s.logger.InfoContext(ctx, "transition committed",
		slog.String("operation", name),
		slog.String("caller", caller),
		slog.Uint64("value", receipt.Value),
		slog.Uint64("block", receipt.BlockNumber),
		slog.String("tx_hash", receipt.TxHash),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)

	s.publish(ctx, receipt)
	observability.EndSpan(span, nil)
	return receipt, nil
}

func (s *Service) publish(ctx context.Context, receipt *store.Receipt) {
	if s.bus == nil || len(receipt.Events) == 0 {
		return
	}

	start := time.Now()
	err := s.bus.Publish(ctx, receipt.Events)
	s.metrics.RecordPublish(ctx, time.Since(start), len(receipt.Events), err)
	if err != nil {
		observability.AddSpanEvent(ctx, "publish_failed", observability.ErrorAttrs(err, "")...)
		s.logger.WarnContext(ctx, "failed to publish events, indexer will catch up from the log",
			slog.String("tx_hash", receipt.TxHash),
			slog.Int("events", len(receipt.Events)),
			slog.String("error", err.Error()),
		)
	}
}

// GetCounter returns the current counter value.
func (s *Service) GetCounter(ctx context.Context) (uint64, error) {
	value, err := s.ledger.GetCounter(ctx)
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return value, nil
}

func operationName(ops []counter.Operation) string {
	switch len(ops) {
	case 0:
		return "noop"
	case 1:
		return ops[0].String()
	default:
		return "execute"
	}
}
