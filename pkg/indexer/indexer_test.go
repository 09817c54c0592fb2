package indexer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/counter"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/indexer"
	natsserver "github.com/plaenen/counterledger/pkg/infrastructure/nats"
	"github.com/plaenen/counterledger/pkg/ledger"
	natspkg "github.com/plaenen/counterledger/pkg/messaging/nats"
	"github.com/plaenen/counterledger/pkg/store"
	"github.com/plaenen/counterledger/pkg/store/sqlite"
)

const (
	alice = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	bob   = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
)

type fixture struct {
	ledger     *sqlite.Ledger
	service    *ledger.Service
	projection *sqlite.Projection
	indexer    *indexer.Indexer
}

func newFixture(t *testing.T, ledgerOpts ...sqlite.Option) *fixture {
	t.Helper()
	ledgerOpts = append([]sqlite.Option{sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false)}, ledgerOpts...)
	l, err := sqlite.NewLedger(ledgerOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	p := newProjection(t)
	return &fixture{
		ledger:     l,
		service:    ledger.NewService(l),
		projection: p,
		indexer:    indexer.New(l, p, indexer.WithRetry(3, time.Millisecond)),
	}
}

func newProjection(t *testing.T) *sqlite.Projection {
	t.Helper()
	records, err := sqlite.NewProjectionStore(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	p, err := sqlite.NewProjection("counter-records", records)
	require.NoError(t, err)
	return p
}

func list(t *testing.T, p *sqlite.Projection, c domain.Collection) []*domain.Record {
	t.Helper()
	recs, err := p.Records().List(context.Background(), c, store.Page{First: store.MaxPageSize})
	require.NoError(t, err)
	return recs
}

func count(t *testing.T, p *sqlite.Projection, c domain.Collection) int64 {
	t.Helper()
	n, err := p.Records().Count(context.Background(), c)
	require.NoError(t, err)
	return n
}

func TestIndexer_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var receipts []*store.Receipt
	for _, op := range []counter.Operation{
		counter.OpIncrement, counter.OpIncrement, counter.OpDecrement, counter.OpReset, counter.OpIncrement,
	} {
		r, err := f.service.Execute(ctx, alice, op)
		require.NoError(t, err)
		receipts = append(receipts, r)
	}

	n, err := f.indexer.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	incs := list(t, f.projection, domain.CollectionIncrements)
	require.Len(t, incs, 3)
	assert.Equal(t, []uint64{1, 2, 1}, []uint64{*incs[0].NewValue, *incs[1].NewValue, *incs[2].NewValue})

	decs := list(t, f.projection, domain.CollectionDecrements)
	require.Len(t, decs, 1)
	assert.Equal(t, uint64(1), *decs[0].NewValue)

	resets := list(t, f.projection, domain.CollectionResets)
	require.Len(t, resets, 1)
	assert.Nil(t, resets[0].NewValue)
	assert.Equal(t, alice, resets[0].Caller)

	// Record ids are the tx hash followed by the little-endian log index.
	first := incs[0]
	assert.Equal(t, receipts[0].TxHash+"00000000", first.ID)
	assert.Equal(t, receipts[0].BlockNumber, first.BlockNumber)
	assert.Equal(t, receipts[0].Events[0].BlockTimestamp, first.BlockTimestamp)
	assert.Equal(t, receipts[0].TxHash, first.TransactionHash)

	value, err := f.ledger.GetCounter(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), value)
}

func TestIndexer_MultipleEventsInOneTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.service.Execute(ctx, bob, counter.OpIncrement, counter.OpIncrement, counter.OpDecrement)
	require.NoError(t, err)

	_, err = f.indexer.CatchUp(ctx)
	require.NoError(t, err)

	incs := list(t, f.projection, domain.CollectionIncrements)
	require.Len(t, incs, 2)
	assert.Equal(t, r.TxHash+"00000000", incs[0].ID)
	assert.Equal(t, r.TxHash+"01000000", incs[1].ID)

	decs := list(t, f.projection, domain.CollectionDecrements)
	require.Len(t, decs, 1)
	assert.Equal(t, r.TxHash+"02000000", decs[0].ID)
}

func TestIndexer_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.service.Increment(ctx, alice)
	require.NoError(t, err)

	_, err = f.indexer.CatchUp(ctx)
	require.NoError(t, err)

	n, err := f.indexer.CatchUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Redelivery of an indexed event is a no-op.
	require.NoError(t, f.indexer.HandleEvent(ctx, r.Events[0]))
	assert.Equal(t, int64(1), count(t, f.projection, domain.CollectionIncrements))

	// A second projection pass over the same event never alters the record.
	before, err := f.projection.Records().Get(ctx, domain.CollectionIncrements, r.Events[0].ID())
	require.NoError(t, err)
	inserted, err := f.projection.Apply(ctx, r.Events[0], &domain.Record{
		ID: before.ID, Kind: domain.KindIncrement, NewValue: domain.Uint64(42), Caller: bob,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	after, err := f.projection.Records().Get(ctx, domain.CollectionIncrements, r.Events[0].ID())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIndexer_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for range 2 {
		_, err := f.service.Increment(ctx, alice)
		require.NoError(t, err)
	}
	_, err := f.indexer.CatchUp(ctx)
	require.NoError(t, err)

	for range 3 {
		_, err := f.service.Increment(ctx, bob)
		require.NoError(t, err)
	}

	// A fresh indexer on the same projection continues where the last stopped.
	restarted := indexer.New(f.ledger, f.projection)
	n, err := restarted.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(5), count(t, f.projection, domain.CollectionIncrements))

	pos, err := f.projection.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)
}

func TestIndexer_WaitsForFinality(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqlite.WithConfirmations(1))

	r, err := f.service.Increment(ctx, alice)
	require.NoError(t, err)

	// Delivered before it is final: nothing is indexed yet.
	require.NoError(t, f.indexer.HandleEvent(ctx, r.Events[0]))
	assert.Zero(t, count(t, f.projection, domain.CollectionIncrements))

	_, err = f.ledger.Mine(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, f.indexer.HandleEvent(ctx, r.Events[0]))
	assert.Equal(t, int64(1), count(t, f.projection, domain.CollectionIncrements))
}

func TestIndexer_GapFallsBackToLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var last *domain.Event
	for range 3 {
		r, err := f.service.Increment(ctx, alice)
		require.NoError(t, err)
		last = r.Events[0]
	}

	// Only the third event arrives over the bus.
	require.NoError(t, f.indexer.HandleEvent(ctx, last))
	assert.Equal(t, int64(3), count(t, f.projection, domain.CollectionIncrements))
}

func TestIndexer_MultipleActors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const perActor = 10
	var wg sync.WaitGroup
	for _, caller := range []string{alice, bob} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perActor {
				_, err := f.service.Increment(ctx, caller)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	_, err := f.indexer.CatchUp(ctx)
	require.NoError(t, err)

	incs := list(t, f.projection, domain.CollectionIncrements)
	require.Len(t, incs, 2*perActor)

	callers := map[string]int{}
	ids := map[string]bool{}
	for i, rec := range incs {
		callers[rec.Caller]++
		ids[rec.ID] = true
		assert.Equal(t, uint64(i+1), *rec.NewValue)
	}
	assert.Equal(t, perActor, callers[alice])
	assert.Equal(t, perActor, callers[bob])
	assert.Len(t, ids, 2*perActor)
}

func TestIndexer_Rebuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, op := range []counter.Operation{counter.OpIncrement, counter.OpDecrement, counter.OpReset} {
		_, err := f.service.Execute(ctx, alice, op)
		require.NoError(t, err)
	}
	_, err := f.indexer.CatchUp(ctx)
	require.NoError(t, err)
	before := list(t, f.projection, domain.CollectionIncrements)

	require.NoError(t, f.indexer.Rebuild(ctx))

	state, err := f.projection.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectionStatusReady, state.Status)

	assert.Equal(t, before, list(t, f.projection, domain.CollectionIncrements))
	assert.Equal(t, int64(1), count(t, f.projection, domain.CollectionDecrements))
	assert.Equal(t, int64(1), count(t, f.projection, domain.CollectionResets))
}

// sliceLog is an event log over a fixed slice, for events the ledger itself
// would never write.
type sliceLog struct {
	events []*domain.Event
}

func (l *sliceLog) LoadEvents(_ context.Context, after int64, limit int) ([]*domain.Event, error) {
	var out []*domain.Event
	for _, evt := range l.events {
		if evt.Sequence > after && len(out) < limit {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (l *sliceLog) Head(context.Context) (store.Head, error) {
	var h store.Head
	if n := len(l.events); n > 0 {
		h.LatestSequence = l.events[n-1].Sequence
		h.LatestBlock = l.events[n-1].BlockNumber
		h.FinalizedBlock = h.LatestBlock
	}
	return h, nil
}

func rawEvent(seq int64, kind domain.EventKind, p domain.Params) *domain.Event {
	return &domain.Event{
		Sequence:       seq,
		Kind:           kind,
		Data:           domain.EncodeParams(p),
		BlockNumber:    uint64(seq),
		BlockTimestamp: 1_700_000_000 + seq,
		TxHash:         fmt.Sprintf("0x%064x", seq),
	}
}

func TestIndexer_MalformedEventsAreDeadLettered(t *testing.T) {
	ctx := context.Background()
	p := newProjection(t)

	noBlock := rawEvent(5, domain.KindIncrement, domain.Params{NewValue: domain.Uint64(1), Caller: alice})
	noBlock.BlockNumber = 0
	badHash := rawEvent(6, domain.KindReset, domain.Params{Caller: alice})
	badHash.TxHash = "0xnothex"

	log := &sliceLog{events: []*domain.Event{
		rawEvent(1, domain.KindIncrement, domain.Params{NewValue: domain.Uint64(1), Caller: alice}),
		rawEvent(2, domain.EventKind(7), domain.Params{Caller: alice}),
		rawEvent(3, domain.KindIncrement, domain.Params{Caller: alice}),
		rawEvent(4, domain.KindDecrement, domain.Params{NewValue: domain.Uint64(0), Caller: "mallory"}),
		noBlock,
		badHash,
		rawEvent(7, domain.KindReset, domain.Params{Caller: bob}),
	}}

	ix := indexer.New(log, p)
	n, err := ix.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	pos, err := p.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)

	assert.Equal(t, int64(1), count(t, p, domain.CollectionIncrements))
	assert.Zero(t, count(t, p, domain.CollectionDecrements))
	assert.Equal(t, int64(1), count(t, p, domain.CollectionResets))

	letters, err := p.DeadLetters(ctx, 100)
	require.NoError(t, err)
	require.Len(t, letters, 5)
	for i, seq := range []int64{2, 3, 4, 5, 6} {
		assert.Equal(t, seq, letters[i].Sequence)
		assert.NotEmpty(t, letters[i].Reason)
	}

	// Nothing maps differently on a second pass, so nothing is resolved.
	resolved, err := ix.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved)
}

func TestIndexer_RebuildKeepsOneDeadLetterPerEvent(t *testing.T) {
	ctx := context.Background()
	p := newProjection(t)
	missingValue := rawEvent(1, domain.KindIncrement, domain.Params{Caller: alice})
	log := &sliceLog{events: []*domain.Event{
		missingValue,
		rawEvent(2, domain.KindReset, domain.Params{Caller: bob}),
	}}

	ix := indexer.New(log, p)
	_, err := ix.CatchUp(ctx)
	require.NoError(t, err)
	require.NoError(t, ix.Rebuild(ctx))
	require.NoError(t, ix.Rebuild(ctx))

	letters, err := p.DeadLetters(ctx, 100)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, missingValue.ID(), letters[0].EventID)
	assert.Equal(t, int64(1), letters[0].Sequence)
	assert.Equal(t, int64(1), count(t, p, domain.CollectionResets))
}

func TestIndexer_RetryDeadLetters(t *testing.T) {
	ctx := context.Background()
	p := newProjection(t)
	good := rawEvent(1, domain.KindIncrement, domain.Params{NewValue: domain.Uint64(1), Caller: alice})

	// Flagged by an earlier run.
	require.NoError(t, p.Reject(ctx, good, &store.DeadLetter{
		Sequence: good.Sequence,
		EventID:  good.ID(),
		Reason:   "store unavailable",
		Attempts: 5,
		Event:    good,
	}))

	ix := indexer.New(&sliceLog{events: []*domain.Event{good}}, p)
	resolved, err := ix.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, int64(1), count(t, p, domain.CollectionIncrements))

	letters, err := p.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

// flakyProjection fails the first writes to simulate a busy store.
type flakyProjection struct {
	*sqlite.Projection
	failures atomic.Int32
}

func (f *flakyProjection) Apply(ctx context.Context, evt *domain.Event, rec *domain.Record) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("database is locked")
	}
	return f.Projection.Apply(ctx, evt, rec)
}

func TestIndexer_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.service.Increment(ctx, alice)
	require.NoError(t, err)

	flaky := &flakyProjection{Projection: f.projection}
	flaky.failures.Store(2)

	ix := indexer.New(f.ledger, flaky, indexer.WithRetry(3, time.Millisecond))
	n, err := ix.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	flaky.failures.Store(5)
	_, err = f.service.Increment(ctx, alice)
	require.NoError(t, err)

	_, err = ix.CatchUp(ctx)
	require.Error(t, err)

	// The failed event was not skipped.
	pos, err := f.projection.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
}

func TestIndexer_RunFollowsEventBus(t *testing.T) {
	srv, err := natsserver.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	bus, err := natspkg.NewEventBus(natspkg.TestConfig(srv.URL()))
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	f := newFixture(t)
	svc := ledger.NewService(f.ledger, ledger.WithEventBus(bus))

	// History before the indexer starts is picked up by catch-up.
	_, err = svc.Increment(context.Background(), alice)
	require.NoError(t, err)

	ix := indexer.New(f.ledger, f.projection,
		indexer.WithEventBus(bus),
		indexer.WithPollInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return count(t, f.projection, domain.CollectionIncrements) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// With polling effectively off, new events can only arrive over the bus.
	time.Sleep(200 * time.Millisecond)
	_, err = svc.Increment(context.Background(), bob)
	require.NoError(t, err)
	_, err = svc.Reset(context.Background(), bob)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return count(t, f.projection, domain.CollectionIncrements) == 2 &&
			count(t, f.projection, domain.CollectionResets) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("indexer did not stop")
	}
}
