package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariantViolation is returned when a transition would break a counter invariant.
	// The transition is rejected as a whole: no state change, no event.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidCaller is returned when the caller is not an address-like identifier.
	ErrInvalidCaller = errors.New("invalid caller")

	// ErrUnknownEventKind is returned for event kinds outside Increment/Decrement/Reset.
	ErrUnknownEventKind = errors.New("unknown event kind")

	// ErrMalformedEvent is returned when an event cannot be mapped to a projection record.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownCollection is returned for projection collections that do not exist.
	ErrUnknownCollection = errors.New("unknown collection")
)

// Stable reasons attached to invariant violations.
const (
	ReasonBelowZero = "COUNTER_BELOW_ZERO"
	ReasonOverflow  = "COUNTER_OVERFLOW"
)

// InvariantViolationError describes a rejected transition.
type InvariantViolationError struct {
	// Reason is a stable identifier callers can match on.
	Reason string

	// Value is the counter value the transition was attempted against.
	Value uint64
}

func (e *InvariantViolationError) Error() string {
	switch e.Reason {
	case ReasonBelowZero:
		return "invariant violation: counter cannot go below zero"
	case ReasonOverflow:
		return fmt.Sprintf("invariant violation: counter overflow at %d", e.Value)
	default:
		return fmt.Sprintf("invariant violation: %s", e.Reason)
	}
}

func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// NewInvariantViolation creates a new invariant violation error.
func NewInvariantViolation(reason string, value uint64) error {
	return &InvariantViolationError{Reason: reason, Value: value}
}

// MalformedEventError describes an event the indexer could not map.
type MalformedEventError struct {
	Sequence int64
	EventID  string
	Reason   string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %s at sequence %d: %s", e.EventID, e.Sequence, e.Reason)
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

// NewMalformedEvent creates a malformed event error for evt.
func NewMalformedEvent(evt *Event, reason string) error {
	return &MalformedEventError{
		Sequence: evt.Sequence,
		EventID:  evt.ID(),
		Reason:   reason,
	}
}
