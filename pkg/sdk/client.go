// Package sdk is the typed client of the counter service. It speaks the
// counter.v1 request/reply subjects and can follow the event stream.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/counterledger/pkg/api"
	"github.com/plaenen/counterledger/pkg/cqrs"
	cqrsnats "github.com/plaenen/counterledger/pkg/cqrs/nats"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/messaging"
	natsbus "github.com/plaenen/counterledger/pkg/messaging/nats"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/query"
	"github.com/plaenen/counterledger/pkg/security/credentials"
	"github.com/plaenen/counterledger/pkg/store"
)

// Client calls the counter service over NATS.
//
// Application errors come back as *cqrs.ResponseError, which unwraps to the
// domain sentinels: errors.Is(err, domain.ErrInvariantViolation) holds for a
// decrement at zero.
type Client struct {
	nc        *nats.Conn
	transport cqrs.Transport
	config    *Config

	mu       sync.Mutex
	eventBus *natsbus.EventBus
}

// Config holds configuration for the SDK client.
type Config struct {
	// NATS configuration
	NATS NATSConfig

	// RequestTimeout bounds a single request
	RequestTimeout time.Duration

	// Events configures the event stream; it must match the stream the
	// service publishes to. The URL field is ignored.
	Events natsbus.Config

	// Telemetry traces outgoing requests (optional)
	Telemetry *observability.Telemetry

	Logger *slog.Logger
}

// NATSConfig holds NATS-specific configuration.
type NATSConfig struct {
	URL   string
	Token string

	// Credentials take precedence over Token.
	Credentials *credentials.Credentials
}

// DefaultConfig returns sensible defaults for the SDK.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: nats.DefaultURL,
		},
		RequestTimeout: 10 * time.Second,
		Events:         natsbus.DefaultConfig(),
	}
}

// NewClient connects to NATS and creates the client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	opts := []nats.Option{nats.Name("counterledger-sdk")}
	if config.NATS.Credentials != nil {
		opts = append(opts, config.NATS.Credentials.NATSOptions()...)
	} else if config.NATS.Token != "" {
		opts = append(opts, nats.Token(config.NATS.Token))
	}
	nc, err := nats.Connect(config.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	transportConfig := cqrs.DefaultTransportConfig()
	if config.RequestTimeout > 0 {
		transportConfig.Timeout = config.RequestTimeout
	}
	transport, err := cqrsnats.NewTransport(&cqrsnats.TransportConfig{
		TransportConfig: transportConfig,
		Conn:            nc,
		Telemetry:       config.Telemetry,
		Logger:          config.Logger,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return &Client{nc: nc, transport: transport, config: config}, nil
}

// NewClientWithTransport creates a client over an existing transport. The
// event stream is unavailable on such a client.
func NewClientWithTransport(transport cqrs.Transport) *Client {
	return &Client{transport: transport, config: DefaultConfig()}
}

// Increment adds one to the counter on behalf of caller.
func (c *Client) Increment(ctx context.Context, caller string) (*api.ReceiptResponse, error) {
	return c.transition(ctx, api.SubjectIncrement, caller)
}

// Decrement subtracts one from the counter. It fails with
// domain.ErrInvariantViolation when the counter is zero.
func (c *Client) Decrement(ctx context.Context, caller string) (*api.ReceiptResponse, error) {
	return c.transition(ctx, api.SubjectDecrement, caller)
}

// Reset sets the counter to zero.
func (c *Client) Reset(ctx context.Context, caller string) (*api.ReceiptResponse, error) {
	return c.transition(ctx, api.SubjectReset, caller)
}

func (c *Client) transition(ctx context.Context, subject, caller string) (*api.ReceiptResponse, error) {
	var out api.ReceiptResponse
	if err := c.call(ctx, subject, api.TransitionRequest{Caller: caller}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute applies operations ("increment", "decrement", "reset") in a single
// ledger transaction.
func (c *Client) Execute(ctx context.Context, caller string, operations ...string) (*api.ReceiptResponse, error) {
	var out api.ReceiptResponse
	if err := c.call(ctx, api.SubjectExecute, api.ExecuteRequest{Caller: caller, Operations: operations}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCounter returns the current counter value.
func (c *Client) GetCounter(ctx context.Context) (uint64, error) {
	var out api.CounterResponse
	if err := c.call(ctx, api.SubjectGet, api.GetRequest{}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// Query returns a page of a projection collection.
func (c *Client) Query(ctx context.Context, collection domain.Collection, page store.Page) ([]*domain.Record, error) {
	var out api.QueryResponse
	req := api.QueryRequest{
		Collection: string(collection),
		First:      page.First,
		Skip:       page.Skip,
		OrderBy:    page.OrderBy,
		Direction:  page.Direction,
	}
	if err := c.call(ctx, api.SubjectQuery, req, &out); err != nil {
		return nil, err
	}
	if out.Records == nil {
		out.Records = []*domain.Record{}
	}
	return out.Records, nil
}

// Record looks up a record by id. It returns nil when there is none.
func (c *Client) Record(ctx context.Context, collection domain.Collection, id string) (*domain.Record, error) {
	var out api.RecordResponse
	if err := c.call(ctx, api.SubjectRecord, api.RecordRequest{Collection: string(collection), ID: id}, &out); err != nil {
		return nil, err
	}
	return out.Record, nil
}

// Latest returns the newest n records of every collection.
func (c *Client) Latest(ctx context.Context, n int) (*query.Latest, error) {
	var out query.Latest
	if err := c.call(ctx, api.SubjectLatest, api.LatestRequest{N: n}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, subject string, req, out any) error {
	resp, err := c.transport.Request(ctx, subject, req)
	if err != nil {
		return fmt.Errorf("%s: %w", subject, err)
	}
	return resp.UnpackData(out)
}

// SubscribeToEvents follows the ledger's event stream from now on.
func (c *Client) SubscribeToEvents(filter messaging.EventFilter, handler messaging.EventHandler) (messaging.Subscription, error) {
	bus, err := c.events()
	if err != nil {
		return nil, err
	}
	return bus.Subscribe(filter, handler)
}

func (c *Client) events() (*natsbus.EventBus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eventBus != nil {
		return c.eventBus, nil
	}
	if c.nc == nil {
		return nil, errors.New("client has no NATS connection")
	}
	cfg := c.config.Events
	if cfg.StreamName == "" {
		cfg = natsbus.DefaultConfig()
	}
	cfg.Logger = c.config.Logger
	bus, err := natsbus.NewEventBusWithConn(c.nc, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	c.eventBus = bus
	return bus, nil
}

// Close closes all connections and releases resources.
func (c *Client) Close() error {
	var errs []error

	c.mu.Lock()
	if c.eventBus != nil {
		if err := c.eventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus close error: %w", err))
		}
		c.eventBus = nil
	}
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transport close error: %w", err))
	}
	if c.nc != nil {
		c.nc.Close()
	}
	return errors.Join(errs...)
}

// Builder provides a fluent API for building SDK clients.
type Builder struct {
	config *Config
}

// NewBuilder creates a new builder with default configuration.
func NewBuilder() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithNATSURL sets the NATS server URL.
func (b *Builder) WithNATSURL(url string) *Builder {
	b.config.NATS.URL = url
	return b
}

// WithToken authenticates with a NATS token.
func (b *Builder) WithToken(token string) *Builder {
	b.config.NATS.Token = token
	return b
}

// WithCredentials authenticates with creds.
func (b *Builder) WithCredentials(creds *credentials.Credentials) *Builder {
	b.config.NATS.Credentials = creds
	return b
}

// WithEvents configures the event stream.
func (b *Builder) WithEvents(cfg natsbus.Config) *Builder {
	b.config.Events = cfg
	return b
}

// WithRequestTimeout sets the request timeout.
func (b *Builder) WithRequestTimeout(timeout time.Duration) *Builder {
	b.config.RequestTimeout = timeout
	return b
}

// WithTelemetry traces outgoing requests.
func (b *Builder) WithTelemetry(tel *observability.Telemetry) *Builder {
	b.config.Telemetry = tel
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.config.Logger = logger
	return b
}

// Build creates the client.
func (b *Builder) Build() (*Client, error) {
	return NewClient(b.config)
}
