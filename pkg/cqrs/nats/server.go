// Package nats carries the cqrs request/reply contract over NATS. The server
// registers every handler as an endpoint of a NATS micro service.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"go.opentelemetry.io/otel/propagation"

	"github.com/plaenen/counterledger/pkg/cqrs"
	"github.com/plaenen/counterledger/pkg/idgen"
	"github.com/plaenen/counterledger/pkg/observability"
)

// RequestIDHeader carries the request id between client and server.
const RequestIDHeader = "Request-ID"

// Server implements cqrs.Server using NATS microservices
type Server struct {
	nc       *nats.Conn
	ownsConn bool
	config   *cqrs.ServerConfig
	handlers map[string]cqrs.HandlerFunc
	service  micro.Service
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc

	serviceName    string
	serviceVersion string
	description    string

	middleware []cqrs.Middleware
	telemetry  *observability.Telemetry
	logger     *slog.Logger
}

// ServerConfig extends the base server config with NATS-specific options
type ServerConfig struct {
	*cqrs.ServerConfig

	// URL is the NATS server URL. Ignored when Conn is set.
	URL string

	// Conn reuses an existing connection, which Close leaves open.
	Conn *nats.Conn

	// Options are added to the connect options. Ignored when Conn is set.
	Options []nats.Option

	// Name is the micro service name (letters, digits, dashes, underscores).
	Name string

	Version     string
	Description string

	// Middleware wraps every handler, first is outermost.
	Middleware []cqrs.Middleware

	// Telemetry for observability (optional)
	Telemetry *observability.Telemetry

	Logger *slog.Logger
}

// NewServer creates a new NATS server for handling requests
func NewServer(config *ServerConfig) (*Server, error) {
	if config == nil {
		config = &ServerConfig{URL: nats.DefaultURL}
	}
	if config.ServerConfig == nil {
		config.ServerConfig = cqrs.DefaultServerConfig()
	}
	if config.Name == "" {
		config.Name = "counterledger"
	}
	if config.Version == "" {
		config.Version = "1.0.0"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nc, ownsConn := config.Conn, false
	if nc == nil {
		var err error
		nc, err = nats.Connect(config.URL, append([]nats.Option{
			nats.Name(config.Name),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("NATS server disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS server reconnected", "url", nc.ConnectedUrl())
			}),
		}, config.Options...)...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		ownsConn = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		nc:             nc,
		ownsConn:       ownsConn,
		config:         config.ServerConfig,
		handlers:       make(map[string]cqrs.HandlerFunc),
		ctx:            ctx,
		cancel:         cancel,
		serviceName:    config.Name,
		serviceVersion: config.Version,
		description:    config.Description,
		middleware:     config.Middleware,
		telemetry:      config.Telemetry,
		logger:         logger,
	}, nil
}

// RegisterHandler registers a handler for a specific subject
func (s *Server) RegisterHandler(subject string, handler cqrs.HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[subject]; exists {
		return fmt.Errorf("handler already registered for subject: %s", subject)
	}

	middleware := s.middleware
	if s.telemetry != nil {
		middleware = append([]cqrs.Middleware{observability.HandlerMiddleware(s.telemetry)}, middleware...)
	}
	s.handlers[subject] = cqrs.Chain(handler, middleware...)
	return nil
}

// Start begins listening for requests on all registered subjects
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}
	if s.service != nil {
		return fmt.Errorf("server already started")
	}

	description := s.description
	if description == "" {
		description = fmt.Sprintf("Counter ledger service with %d endpoints", len(s.handlers))
	}

	svc, err := micro.AddService(s.nc, micro.Config{
		Name:        s.serviceName,
		Version:     s.serviceVersion,
		Description: description,
		QueueGroup:  s.config.QueueGroup,
	})
	if err != nil {
		return fmt.Errorf("failed to add service: %w", err)
	}

	for subject, handler := range s.handlers {
		h := handler
		// Endpoint names can't have dots.
		endpointName := strings.ReplaceAll(subject, ".", "-")
		err = svc.AddEndpoint(endpointName, micro.HandlerFunc(func(req micro.Request) {
			s.handleMicroRequest(req, subject, h)
		}), micro.WithEndpointSubject(subject))
		if err != nil {
			svc.Stop()
			return fmt.Errorf("failed to add endpoint %s: %w", subject, err)
		}
	}

	s.service = svc
	s.logger.InfoContext(ctx, "NATS service started",
		slog.String("service", s.serviceName),
		slog.String("version", s.serviceVersion),
		slog.Int("endpoints", len(s.handlers)),
	)
	return nil
}

func (s *Server) handleMicroRequest(req micro.Request, subject string, handler cqrs.HandlerFunc) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandlerTimeout)
	defer cancel()

	headers := req.Headers()
	if s.telemetry != nil {
		ctx = propagation.TraceContext{}.Extract(ctx, &natsMicroHeaderCarrier{headers: headers})
	}

	requestID := headers.Get(RequestIDHeader)
	if requestID == "" {
		requestID = idgen.NewRequestID()
	}
	ctx = cqrs.WithRequestInfo(ctx, cqrs.RequestInfo{Subject: subject, RequestID: requestID})

	response, err := handler(ctx, json.RawMessage(req.Data()))
	if err != nil {
		s.logger.ErrorContext(ctx, "handler failed",
			slog.String("subject", subject),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		response = cqrs.NewSimpleErrorResponse(cqrs.CodeInternal, err.Error())
	}
	if response == nil {
		response = cqrs.NewSimpleErrorResponse(cqrs.CodeInternal, "handler returned nil response")
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to marshal response", slog.String("error", err.Error()))
		data, _ = json.Marshal(cqrs.NewSimpleErrorResponse(cqrs.CodeInternal, "failed to marshal response"))
	}

	if err := req.Respond(data, micro.WithHeaders(micro.Headers{RequestIDHeader: []string{requestID}})); err != nil {
		s.logger.ErrorContext(ctx, "failed to send response", slog.String("error", err.Error()))
	}
}

// Close stops the service and closes the connection if the server opened it
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()

	if s.service != nil {
		if err := s.service.Stop(); err != nil {
			s.logger.Warn("error stopping service", "error", err)
		}
		s.service = nil
	}

	if s.ownsConn && s.nc != nil {
		s.nc.Close()
	}

	s.logger.Info("NATS service stopped", "service", s.serviceName)
	return nil
}

// IsConnected returns true if connected to NATS
func (s *Server) IsConnected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

// natsMicroHeaderCarrier adapts NATS micro.Headers to propagation.TextMapCarrier
type natsMicroHeaderCarrier struct {
	headers micro.Headers
}

func (c *natsMicroHeaderCarrier) Get(key string) string {
	return c.headers.Get(key)
}

func (c *natsMicroHeaderCarrier) Set(key, value string) {
	c.headers[key] = []string{value}
}

func (c *natsMicroHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}
