// Package eventbus runs the NATS JetStream event bus as a runner.Service.
//
// The Service is itself a messaging.EventBus that delegates to the bus once
// started, so the ledger and the indexer can be wired to it before the
// runner brings NATS up.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/messaging"
	natseventbus "github.com/plaenen/counterledger/pkg/messaging/nats"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/runner"
)

// ErrNotStarted is returned by bus operations before Start succeeds.
var ErrNotStarted = errors.New("event bus not started")

// URLSource provides the NATS URL at start time, e.g. an embedded server
// started earlier by the same runner.
type URLSource interface {
	URL() string
}

// Service connects to NATS and manages the event bus.
//
//	natsService := embeddednats.New()
//	busService := eventbus.New(eventbus.WithURLSource(natsService))
//	ledgerService := ledger.NewService(l, ledger.WithEventBus(busService))
//
//	runner.New([]runner.Service{natsService, busService, ...}).Run(ctx)
type Service struct {
	config    natseventbus.Config
	urlSource URLSource
	natsOpts  []nats.Option
	logger    *slog.Logger
	tracer    trace.Tracer

	mu  sync.RWMutex
	nc  *nats.Conn
	bus *natseventbus.EventBus
}

// Option configures the EventBus service.
type Option func(*Service)

// WithConfig sets the event bus configuration.
func WithConfig(config natseventbus.Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithURLSource takes the NATS URL from src when the service starts,
// overriding the URL in the config.
func WithURLSource(src URLSource) Option {
	return func(s *Service) {
		s.urlSource = src
	}
}

// WithNATSOptions adds connect options, such as credentials.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(s *Service) {
		s.natsOpts = append(s.natsOpts, opts...)
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates a new EventBus service for use with runner.
func New(opts ...Option) *Service {
	s := &Service{
		config: natseventbus.DefaultConfig(),
		logger: slog.Default(),
		tracer: observability.Disabled().Tracer(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "eventbus"
}

// Start connects to NATS and ensures the event stream exists.
func (s *Service) Start(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "eventbus.Start")
	defer func() { observability.EndSpan(span, err) }()

	url := s.config.URL
	if s.urlSource != nil {
		url = s.urlSource.URL()
	}
	if url == "" {
		return fmt.Errorf("no NATS URL configured")
	}

	nc, err := nats.Connect(url, append([]nats.Option{
		nats.Name("counterledger-eventbus"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("event bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
	}, s.natsOpts...)...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	cfg := s.config
	cfg.Logger = s.logger
	bus, err := natseventbus.NewEventBusWithConn(nc, cfg)
	if err != nil {
		nc.Close()
		s.logger.Error("failed to create event bus", "error", err)
		return fmt.Errorf("failed to create event bus: %w", err)
	}

	s.mu.Lock()
	s.nc, s.bus = nc, bus
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("nats.url", url),
		attribute.String("stream.name", cfg.StreamName),
		attribute.Int64("stream.max_bytes", cfg.MaxBytes),
		attribute.String("stream.max_age", cfg.MaxAge.String()),
	)
	s.logger.Info("eventbus service started", "url", url, "stream", cfg.StreamName)
	return nil
}

// Stop closes the subscriptions and the connection.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "eventbus.Stop")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("error closing event bus", "error", err)
		}
		s.bus = nil
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}

	s.logger.Info("eventbus service stopped")
	return nil
}

// HealthCheck reports whether the bus is connected.
func (s *Service) HealthCheck(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "eventbus.HealthCheck")
	defer func() { observability.EndSpan(span, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.bus == nil {
		return ErrNotStarted
	}
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats connection is %s", s.nc.Status())
	}
	return nil
}

// Publish implements messaging.EventBus.
func (s *Service) Publish(ctx context.Context, events []*domain.Event) error {
	bus := s.EventBus()
	if bus == nil {
		return ErrNotStarted
	}
	return bus.Publish(ctx, events)
}

// Subscribe implements messaging.EventBus.
func (s *Service) Subscribe(filter messaging.EventFilter, handler messaging.EventHandler) (messaging.Subscription, error) {
	bus := s.EventBus()
	if bus == nil {
		return nil, ErrNotStarted
	}
	return bus.Subscribe(filter, handler)
}

// Close implements messaging.EventBus. The connection is released by Stop.
func (s *Service) Close() error {
	return nil
}

// EventBus returns the running bus, nil before Start.
func (s *Service) EventBus() *natseventbus.EventBus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bus
}

// Conn returns the NATS connection, nil before Start.
func (s *Service) Conn() *nats.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nc
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
	_ messaging.EventBus   = (*Service)(nil)
)
