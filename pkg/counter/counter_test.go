package counter_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/counter"
	"github.com/plaenen/counterledger/pkg/domain"
)

const (
	alice = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	bob   = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
)

func TestApply_Increment(t *testing.T) {
	tests := []struct {
		name  string
		start uint64
		n     int
	}{
		{name: "from zero", start: 0, n: 3},
		{name: "from five", start: 5, n: 1},
		{name: "many", start: 0, n: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := counter.State{Value: tt.start}
			for i := 1; i <= tt.n; i++ {
				next, em, err := counter.Apply(s, counter.OpIncrement, alice)
				require.NoError(t, err)
				assert.Equal(t, domain.KindIncrement, em.Kind)
				require.NotNil(t, em.Params.NewValue)
				assert.Equal(t, tt.start+uint64(i), *em.Params.NewValue)
				assert.Equal(t, alice, em.Params.Caller)
				s = next
			}
			assert.Equal(t, tt.start+uint64(tt.n), s.Value)
		})
	}
}

func TestApply_IncrementOverflow(t *testing.T) {
	s := counter.State{Value: math.MaxUint64}
	next, em, err := counter.Apply(s, counter.OpIncrement, alice)
	assert.True(t, errors.Is(err, domain.ErrInvariantViolation))
	assert.Equal(t, s, next)
	assert.Equal(t, counter.Emission{}, em)
}

func TestApply_Decrement(t *testing.T) {
	t.Run("decrements positive value", func(t *testing.T) {
		next, em, err := counter.Apply(counter.State{Value: 5}, counter.OpDecrement, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), next.Value)
		assert.Equal(t, domain.KindDecrement, em.Kind)
		assert.Equal(t, uint64(4), *em.Params.NewValue)
	})

	t.Run("allows reaching exactly zero", func(t *testing.T) {
		next, em, err := counter.Apply(counter.State{Value: 1}, counter.OpDecrement, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), next.Value)
		assert.Equal(t, uint64(0), *em.Params.NewValue)
	})

	t.Run("rejects at zero without effects", func(t *testing.T) {
		s := counter.State{Value: 0}
		next, em, err := counter.Apply(s, counter.OpDecrement, alice)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrInvariantViolation)

		var ive *domain.InvariantViolationError
		require.ErrorAs(t, err, &ive)
		assert.Equal(t, domain.ReasonBelowZero, ive.Reason)

		assert.Equal(t, s, next)
		assert.Equal(t, counter.Emission{}, em)
	})
}

func TestApply_Reset(t *testing.T) {
	for _, start := range []uint64{0, 1, 42} {
		next, em, err := counter.Apply(counter.State{Value: start}, counter.OpReset, bob)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), next.Value)
		assert.Equal(t, domain.KindReset, em.Kind)
		assert.Nil(t, em.Params.NewValue)
		assert.Equal(t, bob, em.Params.Caller)
	}
}

func TestApply_UnknownOperation(t *testing.T) {
	_, _, err := counter.Apply(counter.State{}, counter.Operation(99), alice)
	assert.Error(t, err)
}

func TestApplyAll_EndToEndSequence(t *testing.T) {
	ops := []counter.Operation{
		counter.OpIncrement,
		counter.OpIncrement,
		counter.OpDecrement,
		counter.OpReset,
		counter.OpIncrement,
	}

	final, ems, err := counter.ApplyAll(counter.State{}, alice, ops...)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), final.Value)

	want := []struct {
		kind  domain.EventKind
		value *uint64
	}{
		{domain.KindIncrement, domain.Uint64(1)},
		{domain.KindIncrement, domain.Uint64(2)},
		{domain.KindDecrement, domain.Uint64(1)},
		{domain.KindReset, nil},
		{domain.KindIncrement, domain.Uint64(1)},
	}
	require.Len(t, ems, len(want))
	for i, w := range want {
		assert.Equal(t, w.kind, ems[i].Kind, "emission %d", i)
		assert.Equal(t, w.value, ems[i].Params.NewValue, "emission %d", i)
	}
}

func TestApplyAll_RejectsAsUnit(t *testing.T) {
	start := counter.State{Value: 1}
	final, ems, err := counter.ApplyAll(start, alice,
		counter.OpDecrement,
		counter.OpDecrement,
	)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Equal(t, start, final)
	assert.Empty(t, ems)
}

func TestApply_MultiActor(t *testing.T) {
	type step struct {
		op     counter.Operation
		caller string
	}
	steps := []step{
		{counter.OpIncrement, alice},
		{counter.OpIncrement, bob},
		{counter.OpDecrement, alice},
	}

	var s counter.State
	var callers []string
	for _, st := range steps {
		next, em, err := counter.Apply(s, st.op, st.caller)
		require.NoError(t, err)
		callers = append(callers, em.Params.Caller)
		s = next
	}

	assert.Equal(t, uint64(1), s.Value)
	assert.Equal(t, []string{alice, bob, alice}, callers)
}

func TestReplay(t *testing.T) {
	ops := []counter.Operation{counter.OpIncrement, counter.OpIncrement, counter.OpReset, counter.OpIncrement, counter.OpIncrement, counter.OpDecrement}
	final, ems, err := counter.ApplyAll(counter.State{}, alice, ops...)
	require.NoError(t, err)

	events := make([]*domain.Event, len(ems))
	for i, em := range ems {
		events[i] = &domain.Event{
			Sequence: int64(i + 1),
			Kind:     em.Kind,
			Data:     domain.EncodeParams(em.Params),
		}
	}

	replayed, err := counter.Replay(counter.State{}, events)
	require.NoError(t, err)
	assert.Equal(t, final, replayed)

	// Replaying in two runs gives the same result.
	half, err := counter.Replay(counter.State{}, events[:3])
	require.NoError(t, err)
	replayed, err = counter.Replay(half, events[3:])
	require.NoError(t, err)
	assert.Equal(t, final, replayed)
}

func TestParseOperation(t *testing.T) {
	op, err := counter.ParseOperation("decrement")
	require.NoError(t, err)
	assert.Equal(t, counter.OpDecrement, op)
	assert.Equal(t, "decrement", op.String())

	_, err = counter.ParseOperation("double")
	assert.Error(t, err)
}
