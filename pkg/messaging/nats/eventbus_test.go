package nats_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/domain"
	natsserver "github.com/plaenen/counterledger/pkg/infrastructure/nats"
	"github.com/plaenen/counterledger/pkg/messaging"
	natspkg "github.com/plaenen/counterledger/pkg/messaging/nats"
)

const caller = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"

func newBus(t *testing.T) *natspkg.EventBus {
	t.Helper()
	srv, err := natsserver.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	bus, err := natspkg.NewEventBus(natspkg.TestConfig(srv.URL()))
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func event(seq int64, kind domain.EventKind) *domain.Event {
	var value *uint64
	if kind.HasNewValue() {
		value = domain.Uint64(uint64(seq))
	}
	return &domain.Event{
		Sequence:       seq,
		Kind:           kind,
		Data:           domain.EncodeParams(domain.Params{NewValue: value, Caller: caller}),
		BlockNumber:    uint64(seq),
		BlockTimestamp: 1_700_000_000 + seq,
		TxHash:         fmt.Sprintf("0x%064x", seq),
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "counter.events.CounterIncrement", natspkg.Subject(domain.KindIncrement))
	assert.Equal(t, "counter.events.CounterReset", natspkg.Subject(domain.KindReset))
}

func TestEventBus_PublishAndSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)

	received := make(chan *domain.Event, 4)
	sub, err := bus.Subscribe(messaging.EventFilter{}, func(_ context.Context, evt *domain.Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	sent := event(1, domain.KindIncrement)
	require.NoError(t, bus.Publish(ctx, []*domain.Event{sent}))

	select {
	case got := <-received:
		assert.Equal(t, sent, got)
		p, err := got.Params()
		require.NoError(t, err)
		assert.Equal(t, caller, p.Caller)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventBus_DeduplicatesByEventID(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)

	received := make(chan *domain.Event, 4)
	sub, err := bus.Subscribe(messaging.EventFilter{}, func(_ context.Context, evt *domain.Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	evt := event(1, domain.KindIncrement)
	require.NoError(t, bus.Publish(ctx, []*domain.Event{evt}))
	require.NoError(t, bus.Publish(ctx, []*domain.Event{evt}))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case <-received:
		t.Error("received duplicate event")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestEventBus_FilterByKind(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)

	resets := make(chan *domain.Event, 4)
	sub, err := bus.Subscribe(messaging.EventFilter{Kinds: []domain.EventKind{domain.KindReset}},
		func(_ context.Context, evt *domain.Event) error {
			resets <- evt
			return nil
		})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, []*domain.Event{
		event(1, domain.KindIncrement),
		event(2, domain.KindReset),
	}))

	select {
	case got := <-resets:
		assert.Equal(t, domain.KindReset, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reset")
	}

	select {
	case got := <-resets:
		t.Errorf("unexpected %s", got.Kind)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEventBus_NakRedelivers(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)

	var calls atomic.Int32
	attempts := make(chan struct{}, 4)
	sub, err := bus.Subscribe(messaging.EventFilter{}, func(_ context.Context, evt *domain.Event) error {
		attempts <- struct{}{}
		if calls.Add(1) == 1 {
			return fmt.Errorf("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, bus.Publish(ctx, []*domain.Event{event(1, domain.KindDecrement)}))

	for i := range 2 {
		select {
		case <-attempts:
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for attempt %d", i+1)
		}
	}
}

func TestEventFilter_Matches(t *testing.T) {
	inc := event(1, domain.KindIncrement)
	assert.True(t, messaging.EventFilter{}.Matches(inc))
	assert.True(t, messaging.EventFilter{Kinds: []domain.EventKind{domain.KindIncrement}}.Matches(inc))
	assert.False(t, messaging.EventFilter{Kinds: []domain.EventKind{domain.KindReset}}.Matches(inc))
}
