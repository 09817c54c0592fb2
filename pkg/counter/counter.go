// Package counter holds the counter's state machine as pure functions.
//
// A transition takes the current State and an Operation and returns the next
// State together with the Emission the ledger must record. Nothing here
// touches storage or locks, so the invariants can be tested in isolation and
// the ledger is free to wrap Apply in whatever transaction it uses.
package counter

import (
	"fmt"
	"math"

	"github.com/plaenen/counterledger/pkg/domain"
)

// State is the counter's singleton state.
type State struct {
	Value uint64
}

// Operation is a mutating call on the counter.
type Operation uint8

const (
	OpIncrement Operation = iota + 1
	OpDecrement
	OpReset
)

func (op Operation) String() string {
	switch op {
	case OpIncrement:
		return "increment"
	case OpDecrement:
		return "decrement"
	case OpReset:
		return "reset"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(op))
	}
}

// ParseOperation parses an operation name.
func ParseOperation(s string) (Operation, error) {
	k, err := domain.ParseEventKind(s)
	if err != nil {
		return 0, fmt.Errorf("unknown operation %q", s)
	}
	return OperationFor(k), nil
}

// OperationFor returns the operation that emits events of kind k.
func OperationFor(k domain.EventKind) Operation {
	switch k {
	case domain.KindIncrement:
		return OpIncrement
	case domain.KindDecrement:
		return OpDecrement
	case domain.KindReset:
		return OpReset
	}
	return 0
}

// Emission is the event a successful transition produces.
type Emission struct {
	Kind   domain.EventKind
	Params domain.Params
}

// Apply runs op against s on behalf of caller.
//
// On error the returned state is s unchanged and the emission is empty:
// a rejected transition has no partial effects.
func Apply(s State, op Operation, caller string) (State, Emission, error) {
	switch op {
	case OpIncrement:
		if s.Value == math.MaxUint64 {
			return s, Emission{}, domain.NewInvariantViolation(domain.ReasonOverflow, s.Value)
		}
		next := State{Value: s.Value + 1}
		return next, Emission{
			Kind:   domain.KindIncrement,
			Params: domain.Params{NewValue: domain.Uint64(next.Value), Caller: caller},
		}, nil

	case OpDecrement:
		if s.Value == 0 {
			return s, Emission{}, domain.NewInvariantViolation(domain.ReasonBelowZero, s.Value)
		}
		next := State{Value: s.Value - 1}
		return next, Emission{
			Kind:   domain.KindDecrement,
			Params: domain.Params{NewValue: domain.Uint64(next.Value), Caller: caller},
		}, nil

	case OpReset:
		// Always emits, even when the value is already zero.
		return State{}, Emission{
			Kind:   domain.KindReset,
			Params: domain.Params{Caller: caller},
		}, nil
	}
	return s, Emission{}, fmt.Errorf("unknown operation %s", op)
}

// ApplyAll runs ops in order as one unit. If any operation is rejected the
// original state is returned with no emissions.
func ApplyAll(s State, caller string, ops ...Operation) (State, []Emission, error) {
	cur := s
	emissions := make([]Emission, 0, len(ops))
	for i, op := range ops {
		next, em, err := Apply(cur, op, caller)
		if err != nil {
			return s, nil, fmt.Errorf("operation %d (%s): %w", i, op, err)
		}
		cur = next
		emissions = append(emissions, em)
	}
	return cur, emissions, nil
}

// Fold applies a recorded event to s. It is the replay counterpart of Apply
// and trusts the log: values are taken from the event, not recomputed.
func Fold(s State, kind domain.EventKind, p domain.Params) (State, error) {
	switch kind {
	case domain.KindIncrement, domain.KindDecrement:
		if p.NewValue == nil {
			return s, fmt.Errorf("%s without new value", kind)
		}
		return State{Value: *p.NewValue}, nil
	case domain.KindReset:
		return State{}, nil
	}
	return s, fmt.Errorf("%w: %s", domain.ErrUnknownEventKind, kind)
}

// Replay folds an ordered run of events into s. Replaying a whole log from
// the zero State rebuilds the current state.
func Replay(s State, events []*domain.Event) (State, error) {
	for _, evt := range events {
		p, err := evt.Params()
		if err != nil {
			return State{}, fmt.Errorf("event %d: %w", evt.Sequence, err)
		}
		if s, err = Fold(s, evt.Kind, p); err != nil {
			return State{}, fmt.Errorf("event %d: %w", evt.Sequence, err)
		}
	}
	return s, nil
}
