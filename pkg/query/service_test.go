package query_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/query"
	"github.com/plaenen/counterledger/pkg/store"
	"github.com/plaenen/counterledger/pkg/store/sqlite"
)

const alice = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"

func seed(t *testing.T, kinds ...domain.EventKind) (*query.Service, []*domain.Record) {
	t.Helper()
	ctx := context.Background()

	records, err := sqlite.NewProjectionStore(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })
	p, err := sqlite.NewProjection("counter-records", records)
	require.NoError(t, err)

	var (
		value uint64
		recs  []*domain.Record
	)
	for i, kind := range kinds {
		seq := int64(i + 1)
		evt := &domain.Event{
			Sequence:       seq,
			Kind:           kind,
			BlockNumber:    uint64(seq),
			BlockTimestamp: 1_700_000_000 + seq*12,
			TxHash:         fmt.Sprintf("0x%064x", seq),
		}
		rec := &domain.Record{
			ID:              evt.ID(),
			Kind:            kind,
			Caller:          alice,
			BlockNumber:     evt.BlockNumber,
			BlockTimestamp:  evt.BlockTimestamp,
			TransactionHash: evt.TxHash,
		}
		switch kind {
		case domain.KindIncrement:
			value++
			rec.NewValue = domain.Uint64(value)
		case domain.KindDecrement:
			value--
			rec.NewValue = domain.Uint64(value)
		case domain.KindReset:
			value = 0
		}
		_, err := p.Apply(ctx, evt, rec)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return query.NewService(p.Records()), recs
}

func TestService_Latest(t *testing.T) {
	svc, recs := seed(t,
		domain.KindIncrement, domain.KindIncrement, domain.KindIncrement,
		domain.KindIncrement, domain.KindIncrement, domain.KindIncrement,
		domain.KindDecrement, domain.KindReset,
	)

	latest, err := svc.Latest(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, latest.Increments, query.DefaultLatest)
	assert.Equal(t, recs[5], latest.Increments[0])
	assert.Equal(t, uint64(2), *latest.Increments[4].NewValue)
	require.Len(t, latest.Decrements, 1)
	assert.Equal(t, uint64(5), *latest.Decrements[0].NewValue)
	require.Len(t, latest.Resets, 1)
	assert.Equal(t, recs[7], latest.Resets[0])

	assert.Equal(t, map[domain.Collection]int64{
		domain.CollectionIncrements: 6,
		domain.CollectionDecrements: 1,
		domain.CollectionResets:     1,
	}, latest.Totals)
}

func TestService_QueryEmptyCollection(t *testing.T) {
	svc, _ := seed(t, domain.KindIncrement)

	recs, err := svc.Query(context.Background(), domain.CollectionResets, store.Page{First: 10})
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestService_InvalidPage(t *testing.T) {
	svc, _ := seed(t)
	ctx := context.Background()

	_, err := svc.Query(ctx, domain.CollectionIncrements, store.Page{First: store.MaxPageSize + 1})
	assert.ErrorIs(t, err, query.ErrInvalidPage)

	_, err = svc.Query(ctx, domain.CollectionIncrements, store.Page{First: 1, Skip: store.MaxSkip + 1})
	assert.ErrorIs(t, err, query.ErrInvalidPage)

	_, err = svc.Query(ctx, domain.Collection("transfers"), store.Page{First: 1})
	assert.ErrorIs(t, err, query.ErrInvalidPage)
	assert.ErrorIs(t, err, domain.ErrUnknownCollection)

	_, err = svc.Latest(ctx, -1)
	assert.ErrorIs(t, err, query.ErrInvalidPage)
}

func TestService_Record(t *testing.T) {
	svc, recs := seed(t, domain.KindIncrement, domain.KindReset)
	ctx := context.Background()

	got, err := svc.Record(ctx, domain.CollectionResets, recs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, recs[1], got)

	// Present, but in another collection.
	got, err = svc.Record(ctx, domain.CollectionDecrements, recs[0].ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Collection]int64{
		domain.CollectionIncrements: 1,
		domain.CollectionDecrements: 0,
		domain.CollectionResets:     1,
	}, counts)
}
