// Package messaging defines the event bus the ledger publishes committed
// events to. Delivery is at-least-once; consumers must tolerate duplicates
// and must not rely on the bus for ordering or completeness.
package messaging

import (
	"context"

	"github.com/plaenen/counterledger/pkg/domain"
)

// EventBus defines the interface for publishing and subscribing to events.
type EventBus interface {
	// Publish publishes events in order. Events are deduplicated by ID.
	Publish(ctx context.Context, events []*domain.Event) error

	// Subscribe subscribes to events matching the filter.
	// The handler is called for each event.
	Subscribe(filter EventFilter, handler EventHandler) (Subscription, error)

	// Close closes the event bus and releases resources.
	Close() error
}

// EventFilter defines criteria for filtering events.
type EventFilter struct {
	// Kinds filters by event kind (empty = all kinds)
	Kinds []domain.EventKind

	// Durable names a consumer that survives restarts. Empty creates an
	// ephemeral consumer that only sees events published after subscribing.
	Durable string
}

// Matches reports whether evt passes the filter.
func (f EventFilter) Matches(evt *domain.Event) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == evt.Kind {
			return true
		}
	}
	return false
}

// EventHandler processes an event.
// Return an error to nack the event (it will be redelivered).
type EventHandler func(ctx context.Context, event *domain.Event) error

// Subscription represents an active event subscription.
type Subscription interface {
	// Unsubscribe stops receiving events and cleans up resources.
	Unsubscribe() error
}
