// Package nats implements messaging.EventBus on NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/idgen"
	"github.com/plaenen/counterledger/pkg/messaging"
)

// SubjectPrefix is the root of every event subject.
const SubjectPrefix = "counter.events"

// Subject returns the subject events of kind k are published on.
func Subject(k domain.EventKind) string {
	return SubjectPrefix + "." + k.String()
}

// EventBus is a NATS-based implementation of messaging.EventBus.
// Uses JetStream for durable event streaming with at-least-once delivery.
type EventBus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string
	ackWait    time.Duration
	logger     *slog.Logger
	mu         sync.RWMutex
	subs       map[string]*nats.Subscription
	ownsConn   bool
}

var _ messaging.EventBus = (*EventBus)(nil)

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream name for events
	StreamName string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	// DuplicateWindow is how long JetStream remembers message ids
	DuplicateWindow time.Duration

	// MemoryStorage keeps the stream in memory instead of on disk
	MemoryStorage bool

	// AckWait is how long a delivered message may stay unacknowledged
	AckWait time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for NATS event bus.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "COUNTER_EVENTS",
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024,
		DuplicateWindow: 2 * time.Minute,
		AckWait:         30 * time.Second,
	}
}

// TestConfig returns a config suitable for testing with embedded NATS.
func TestConfig(serverURL string) Config {
	cfg := DefaultConfig()
	cfg.URL = serverURL
	cfg.StreamName = "TEST_COUNTER_EVENTS"
	cfg.MaxAge = time.Minute
	cfg.MaxBytes = 10 * 1024 * 1024
	cfg.MemoryStorage = true
	cfg.AckWait = 2 * time.Second
	return cfg
}

// NewEventBus connects to NATS and creates the event bus.
func NewEventBus(config Config) (*EventBus, error) {
	nc, err := nats.Connect(config.URL, nats.Name("counterledger-eventbus"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus, err := NewEventBusWithConn(nc, config)
	if err != nil {
		nc.Close()
		return nil, err
	}
	bus.ownsConn = true
	return bus, nil
}

// NewEventBusWithConn creates the event bus on an existing connection.
// The connection is not closed by Close.
func NewEventBusWithConn(nc *nats.Conn, config Config) (*EventBus, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := &EventBus{
		nc:         nc,
		js:         js,
		streamName: config.StreamName,
		ackWait:    config.AckWait,
		logger:     logger,
		subs:       make(map[string]*nats.Subscription),
	}

	if err := bus.ensureStream(config); err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return bus, nil
}

// ensureStream creates or updates the JetStream stream.
func (b *EventBus) ensureStream(config Config) error {
	storage := nats.FileStorage
	if config.MemoryStorage {
		storage = nats.MemoryStorage
	}

	streamConfig := &nats.StreamConfig{
		Name:       config.StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     config.MaxAge,
		MaxBytes:   config.MaxBytes,
		Duplicates: config.DuplicateWindow,
		Storage:    storage,
		Replicas:   1,
	}

	stream, err := b.js.StreamInfo(config.StreamName)
	if err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}

	return nil
}

// Publish publishes events to NATS JetStream. The event id is the message id,
// so republishing an event inside the duplicate window is a no-op.
func (b *EventBus) Publish(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event %s: %w", event.ID(), err)
		}

		ack, err := b.js.Publish(Subject(event.Kind), data, nats.MsgId(event.ID()), nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to publish event %s: %w", event.ID(), err)
		}
		if ack.Duplicate {
			b.logger.Debug("event already on the bus", "event_id", event.ID())
		}
	}

	return nil
}

// Subscribe subscribes to events matching the filter.
func (b *EventBus) Subscribe(filter messaging.EventFilter, handler messaging.EventHandler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subject := SubjectPrefix + ".>"
	if len(filter.Kinds) == 1 {
		subject = Subject(filter.Kinds[0])
	}

	consumerName := filter.Durable
	opts := []nats.SubOpt{nats.ManualAck(), nats.AckExplicit()}
	if b.ackWait > 0 {
		opts = append(opts, nats.AckWait(b.ackWait))
	}
	if consumerName == "" {
		consumerName = "consumer_" + idgen.MustGenerateSortableID()
		opts = append(opts, nats.DeliverNew())
	}
	opts = append(opts, nats.Durable(consumerName))

	sub, err := b.js.QueueSubscribe(subject, consumerName, func(msg *nats.Msg) {
		var event domain.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			// Redelivery cannot fix a payload we cannot decode.
			b.logger.Warn("dropping undecodable bus message", "subject", msg.Subject, "error", err)
			msg.Term()
			return
		}

		if !filter.Matches(&event) {
			msg.Ack()
			return
		}

		if err := handler(context.Background(), &event); err != nil {
			b.logger.Debug("handler failed, nacking", "event_id", event.ID(), "error", err)
			msg.Nak()
			return
		}

		msg.Ack()
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.subs[consumerName] = sub

	return &subscription{
		bus:          b,
		sub:          sub,
		consumerName: consumerName,
	}, nil
}

// Close closes the event bus and all subscriptions.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, sub := range b.subs {
		sub.Unsubscribe()
		delete(b.subs, name)
	}

	if b.ownsConn {
		b.nc.Close()
	}

	return nil
}

// subscription implements messaging.Subscription.
type subscription struct {
	bus          *EventBus
	sub          *nats.Subscription
	consumerName string
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.consumerName)
	return s.sub.Unsubscribe()
}
