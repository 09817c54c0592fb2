// Package embeddednats runs an in-process NATS server with JetStream as a
// runner.Service, so a single counterd process needs no external broker.
package embeddednats

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/counterledger/pkg/infrastructure/nats"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/runner"
)

// Service wraps an embedded NATS server as a runner.Service.
type Service struct {
	server      *nats.EmbeddedServer
	logger      *slog.Logger
	tracer      trace.Tracer
	natsOptions []nats.EmbeddedOption
}

// Option configures the NATS service.
type Option func(*Service)

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

// WithNATSOptions sets the server options passed to nats.StartEmbeddedServer.
//
//	service := embeddednats.New(
//	    embeddednats.WithNATSOptions(
//	        nats.WithPort(4222),
//	        nats.WithStoreDir("/var/lib/counterd/nats"),
//	    ),
//	)
func WithNATSOptions(opts ...nats.EmbeddedOption) Option {
	return func(s *Service) {
		s.natsOptions = opts
	}
}

// New creates a new embedded NATS service for use with runner.
func New(opts ...Option) *Service {
	s := &Service{
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
	return "embedded-nats"
}

// Start starts the embedded NATS server.
func (s *Service) Start(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "embeddednats.Start")
	defer func() { observability.EndSpan(span, err) }()

	opts := append([]nats.EmbeddedOption{nats.WithLogger(s.logger)}, s.natsOptions...)
	srv, err := nats.StartEmbeddedServer(opts...)
	if err != nil {
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	s.server = srv

	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	s.logger.Info("embedded NATS server started", "url", srv.URL())
	return nil
}

// Stop shuts down the embedded NATS server.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "embeddednats.Stop")
	defer span.End()

	if s.server != nil {
		s.server.Shutdown()
		s.logger.Info("embedded NATS server stopped")
	}
	return nil
}

// HealthCheck checks that the server accepts connections.
func (s *Service) HealthCheck(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "embeddednats.HealthCheck")
	defer func() { observability.EndSpan(span, err) }()

	if s.server == nil {
		return fmt.Errorf("nats server not started")
	}

	nc, err := nats.ConnectToEmbedded(s.server)
	if err != nil {
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// URL returns the NATS server connection URL.
// Only available after Start() succeeds.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
