package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/plaenen/counterledger/pkg/cqrs"
	"github.com/plaenen/counterledger/pkg/idgen"
	"github.com/plaenen/counterledger/pkg/observability"
)

var _ cqrs.Transport = (*Transport)(nil)

// Transport implements cqrs.Transport using NATS request/reply
type Transport struct {
	nc        *nats.Conn
	ownsConn  bool
	config    *cqrs.TransportConfig
	telemetry *observability.Telemetry
	logger    *slog.Logger
}

// TransportConfig extends the base transport config with NATS-specific options
type TransportConfig struct {
	*cqrs.TransportConfig

	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Conn reuses an existing connection, which Close leaves open.
	Conn *nats.Conn

	// Name is the client name for connection identification
	Name string

	// Token authenticates the connection when set.
	Token string

	// Telemetry for observability (optional)
	Telemetry *observability.Telemetry

	Logger *slog.Logger
}

// NewTransport creates a new NATS transport for client-side request/reply
func NewTransport(config *TransportConfig) (*Transport, error) {
	if config == nil {
		config = &TransportConfig{URL: nats.DefaultURL}
	}
	if config.TransportConfig == nil {
		config.TransportConfig = cqrs.DefaultTransportConfig()
	}
	if config.Name == "" {
		config.Name = "counterledger-client"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Transport{
		nc:        config.Conn,
		config:    config.TransportConfig,
		telemetry: config.Telemetry,
		logger:    logger,
	}
	if t.nc != nil {
		return t, nil
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnectAttempts),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.nc = nc
	t.ownsConn = true
	return t, nil
}

// Request sends a request and waits for the response envelope. A request
// that times out yields a TIMEOUT error response rather than an error.
func (t *Transport) Request(ctx context.Context, subject string, request any) (*cqrs.Response, error) {
	if t.telemetry != nil {
		middleware := observability.NewTransportMiddleware(t.telemetry)
		return middleware.WrapRequest(ctx, subject, func(ctx context.Context) (*cqrs.Response, error) {
			return t.doRequest(ctx, subject, request)
		})
	}
	return t.doRequest(ctx, subject, request)
}

func (t *Transport) doRequest(ctx context.Context, subject string, request any) (*cqrs.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = requestData

	requestID := idgen.NewRequestID()
	if info, ok := cqrs.RequestInfoFromContext(ctx); ok && info.RequestID != "" {
		requestID = info.RequestID
	}
	msg.Header.Set(RequestIDHeader, requestID)

	if t.telemetry != nil {
		propagation.TraceContext{}.Inject(ctx, &natsHeaderCarrier{header: msg.Header})
	}

	timeout := t.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	respMsg, err := t.nc.RequestMsg(msg, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			t.logger.WarnContext(ctx, "request timed out",
				slog.String("subject", subject),
				slog.String("request_id", requestID),
			)
			return cqrs.NewSimpleErrorResponse(cqrs.CodeTimeout, "Request timed out"), nil
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	response := &cqrs.Response{}
	if err := json.Unmarshal(respMsg.Data, response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return response, nil
}

// natsHeaderCarrier adapts NATS headers to propagation.TextMapCarrier
type natsHeaderCarrier struct {
	header nats.Header
}

func (c *natsHeaderCarrier) Get(key string) string {
	return c.header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, value string) {
	c.header.Set(key, value)
}

func (c *natsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}

// Close closes the NATS connection if the transport opened it
func (t *Transport) Close() error {
	if t.ownsConn && t.nc != nil {
		t.nc.Close()
	}
	return nil
}

// IsConnected returns true if connected to NATS
func (t *Transport) IsConnected() bool {
	return t.nc != nil && t.nc.IsConnected()
}

// ConnectedURL returns the URL of the connected NATS server
func (t *Transport) ConnectedURL() string {
	if t.nc != nil {
		return t.nc.ConnectedUrl()
	}
	return ""
}
