package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/messaging"
	natseventbus "github.com/plaenen/counterledger/pkg/messaging/nats"
	"github.com/plaenen/counterledger/pkg/runner"
	"github.com/plaenen/counterledger/pkg/runtime/embeddednats"
)

func startNATS(t *testing.T) *embeddednats.Service {
	t.Helper()
	srv := embeddednats.New()
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	srv := startNATS(t)

	service := New(
		WithConfig(natseventbus.TestConfig("")),
		WithURLSource(srv),
	)
	assert.Equal(t, "eventbus", service.Name())

	t.Run("unusable before start", func(t *testing.T) {
		assert.ErrorIs(t, service.HealthCheck(ctx), ErrNotStarted)
		assert.ErrorIs(t, service.Publish(ctx, nil), ErrNotStarted)
		_, err := service.Subscribe(messaging.EventFilter{}, nil)
		assert.ErrorIs(t, err, ErrNotStarted)
		assert.Nil(t, service.EventBus())
	})

	require.NoError(t, service.Start(ctx))
	require.NoError(t, service.HealthCheck(ctx))
	assert.NotNil(t, service.Conn())

	received := make(chan *domain.Event, 1)
	sub, err := service.Subscribe(messaging.EventFilter{}, func(_ context.Context, evt *domain.Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	evt := &domain.Event{
		Sequence:    1,
		Kind:        domain.KindReset,
		Data:        domain.EncodeParams(domain.Params{Caller: "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"}),
		BlockNumber: 1,
		TxHash:      "0x" + "ab00000000000000000000000000000000000000000000000000000000000000",
	}
	require.NoError(t, service.Publish(ctx, []*domain.Event{evt}))

	select {
	case got := <-received:
		assert.Equal(t, evt.ID(), got.ID())
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, service.Stop(ctx))
	assert.Error(t, service.HealthCheck(ctx))
	require.NoError(t, service.Stop(ctx), "stop is idempotent")
}

func TestService_RequiresURL(t *testing.T) {
	service := New(WithConfig(natseventbus.Config{StreamName: "X"}))
	assert.Error(t, service.Start(context.Background()))
}

func TestService_WithRunner(t *testing.T) {
	srv := embeddednats.New()
	service := New(WithConfig(natseventbus.TestConfig("")), WithURLSource(srv))

	r := runner.New([]runner.Service{srv, service}, runner.WithSignals(false))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return service.EventBus() != nil
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, r.HealthCheck(context.Background()))

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not shut down")
	}
}
