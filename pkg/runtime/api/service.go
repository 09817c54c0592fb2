// Package api serves the counter.v1 request/reply subjects as a
// runner.Service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/counterledger/pkg/api"
	"github.com/plaenen/counterledger/pkg/cqrs"
	cqrsnats "github.com/plaenen/counterledger/pkg/cqrs/nats"
	"github.com/plaenen/counterledger/pkg/middleware"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/runner"
)

// URLSource provides the NATS URL at start time.
type URLSource interface {
	URL() string
}

// Service registers the API handlers on a NATS micro service.
type Service struct {
	handlers  *api.Handlers
	url       string
	urlSource URLSource
	config    *cqrs.ServerConfig
	natsOpts  []nats.Option
	telemetry *observability.Telemetry
	logger    *slog.Logger

	mu     sync.Mutex
	server *cqrsnats.Server
}

// Option configures the service.
type Option func(*Service)

// WithURL sets a fixed NATS URL.
func WithURL(url string) Option {
	return func(s *Service) {
		s.url = url
	}
}

// WithURLSource takes the NATS URL from src when the service starts.
func WithURLSource(src URLSource) Option {
	return func(s *Service) {
		s.urlSource = src
	}
}

// WithServerConfig sets the queue group and handler timeout.
func WithServerConfig(cfg *cqrs.ServerConfig) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

// WithNATSOptions adds connect options, such as credentials.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(s *Service) {
		s.natsOpts = append(s.natsOpts, opts...)
	}
}

// WithTelemetry traces every request.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(s *Service) {
		s.telemetry = tel
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates the API service.
func New(handlers *api.Handlers, opts ...Option) *Service {
	s := &Service{
		handlers: handlers,
		config:   cqrs.DefaultServerConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "api"
}

// Start connects, registers the handlers and starts serving.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	url := s.url
	if s.urlSource != nil {
		url = s.urlSource.URL()
	}
	if url == "" {
		return fmt.Errorf("no NATS URL configured")
	}

	server, err := cqrsnats.NewServer(&cqrsnats.ServerConfig{
		ServerConfig: s.config,
		URL:          url,
		Options:      s.natsOpts,
		Name:         "counterledger",
		Description:  "Counter ledger transitions and projection queries",
		Middleware: []cqrs.Middleware{
			middleware.RecoveryMiddleware(s.logger),
			middleware.LoggingMiddleware(s.logger),
		},
		Telemetry: s.telemetry,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}

	if err := s.handlers.Register(server); err != nil {
		server.Close()
		return err
	}
	if err := server.Start(ctx); err != nil {
		server.Close()
		return err
	}
	s.server = server
	return nil
}

// Stop stops serving and closes the connection.
func (s *Service) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	return err
}

// HealthCheck reports whether the server is connected.
func (s *Service) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	if !s.server.IsConnected() {
		return fmt.Errorf("api server disconnected from NATS")
	}
	return nil
}

var _ runner.HealthChecker = (*Service)(nil)
