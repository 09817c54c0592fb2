package sdk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/api"
	"github.com/plaenen/counterledger/pkg/cqrs"
	cqrsnats "github.com/plaenen/counterledger/pkg/cqrs/nats"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/indexer"
	infranats "github.com/plaenen/counterledger/pkg/infrastructure/nats"
	"github.com/plaenen/counterledger/pkg/ledger"
	"github.com/plaenen/counterledger/pkg/messaging"
	natsbus "github.com/plaenen/counterledger/pkg/messaging/nats"
	"github.com/plaenen/counterledger/pkg/query"
	"github.com/plaenen/counterledger/pkg/sdk"
	"github.com/plaenen/counterledger/pkg/store"
	"github.com/plaenen/counterledger/pkg/store/sqlite"
)

const alice = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"

type stack struct {
	client  *sdk.Client
	indexer *indexer.Indexer
}

func newStack(t *testing.T) *stack {
	t.Helper()
	srv, err := infranats.StartEmbeddedServer(infranats.WithStoreDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	busConfig := natsbus.TestConfig(srv.URL())
	bus, err := natsbus.NewEventBus(busConfig)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	l, err := sqlite.NewLedger(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	records, err := sqlite.NewProjectionStore(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })
	p, err := sqlite.NewProjection("counter-records", records)
	require.NoError(t, err)

	server, err := cqrsnats.NewServer(&cqrsnats.ServerConfig{URL: srv.URL()})
	require.NoError(t, err)
	handlers := api.NewHandlers(ledger.NewService(l, ledger.WithEventBus(bus)), query.NewService(records), nil)
	require.NoError(t, handlers.Register(server))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Close() })

	client, err := sdk.NewBuilder().
		WithNATSURL(srv.URL()).
		WithEvents(busConfig).
		WithRequestTimeout(5 * time.Second).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &stack{client: client, indexer: indexer.New(l, p)}
}

func TestClient_Transitions(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	_, err := s.client.Decrement(ctx, alice)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.True(t, cqrs.IsCode(err, cqrs.CodeInvariantViolation))

	receipt, err := s.client.Increment(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Value)
	require.Len(t, receipt.Events, 1)
	assert.Equal(t, receipt.TxHash, receipt.Events[0].ID[:len(receipt.TxHash)])

	receipt, err = s.client.Execute(ctx, alice, "increment", "increment", "decrement")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), receipt.Value)
	assert.Len(t, receipt.Events, 3)

	value, err := s.client.GetCounter(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), value)

	receipt, err = s.client.Reset(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, receipt.Value)

	_, err = s.client.Increment(ctx, "not-an-address")
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
}

func TestClient_Queries(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	for range 3 {
		_, err := s.client.Increment(ctx, alice)
		require.NoError(t, err)
	}
	_, err := s.client.Decrement(ctx, alice)
	require.NoError(t, err)
	_, err = s.indexer.CatchUp(ctx)
	require.NoError(t, err)

	recs, err := s.client.Query(ctx, domain.CollectionIncrements, store.Page{First: 10, Direction: store.Desc})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(3), *recs[0].NewValue)

	empty, err := s.client.Query(ctx, domain.CollectionResets, store.Page{First: 10})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	rec, err := s.client.Record(ctx, domain.CollectionIncrements, recs[2].ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, alice, rec.Caller)

	rec, err = s.client.Record(ctx, domain.CollectionIncrements, "0xmissing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	latest, err := s.client.Latest(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, latest.Increments, 2)
	assert.Len(t, latest.Decrements, 1)
	assert.Equal(t, int64(1), latest.Totals[domain.CollectionDecrements])

	_, err = s.client.Query(ctx, domain.CollectionIncrements, store.Page{First: 5000})
	assert.True(t, cqrs.IsCode(err, cqrs.CodeInvalidRequest))
}

func TestClient_SubscribeToEvents(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	received := make(chan *domain.Event, 4)
	sub, err := s.client.SubscribeToEvents(messaging.EventFilter{}, func(_ context.Context, evt *domain.Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	receipt, err := s.client.Increment(ctx, alice)
	require.NoError(t, err)

	select {
	case evt := <-received:
		assert.Equal(t, receipt.Events[0].ID, evt.ID())
		assert.Equal(t, domain.KindIncrement, evt.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}
