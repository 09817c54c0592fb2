package domain

import (
	"fmt"
	"strings"
)

// EventKind identifies which transition produced an event.
type EventKind uint8

const (
	// KindUnknown is the zero value and never appears in a valid log.
	KindUnknown EventKind = iota

	// KindIncrement is emitted by increment: value' = value + 1.
	KindIncrement

	// KindDecrement is emitted by decrement: value' = value - 1.
	KindDecrement

	// KindReset is emitted by reset: value' = 0.
	KindReset
)

// Kinds lists every valid event kind in declaration order.
var Kinds = []EventKind{KindIncrement, KindDecrement, KindReset}

// String returns the event name as it appears on the ledger.
func (k EventKind) String() string {
	switch k {
	case KindIncrement:
		return "CounterIncrement"
	case KindDecrement:
		return "CounterDecrement"
	case KindReset:
		return "CounterReset"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the three transition kinds.
func (k EventKind) Valid() bool {
	return k == KindIncrement || k == KindDecrement || k == KindReset
}

// HasNewValue reports whether events of this kind carry a newValue parameter.
func (k EventKind) HasNewValue() bool {
	return k == KindIncrement || k == KindDecrement
}

// MarshalText implements encoding.TextMarshaler so kinds travel by name.
func (k EventKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventKind, k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseEventKind parses an event name. Short forms ("increment") are accepted.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "counterincrement", "increment":
		return KindIncrement, nil
	case "counterdecrement", "decrement":
		return KindDecrement, nil
	case "counterreset", "reset":
		return KindReset, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownEventKind, s)
}

// Event is a single entry of the ledger's append-only event log.
// Events are immutable facts; the ledger creates each one exactly once,
// in the same transaction as the state change it describes.
type Event struct {
	// Sequence is the global position in the log, strictly increasing.
	// Ordering by Sequence equals ordering by (BlockNumber, LogIndex).
	Sequence int64 `json:"sequence"`

	// Kind is the transition that produced the event.
	Kind EventKind `json:"kind"`

	// Data holds the encoded event parameters (see EncodeParams).
	Data []byte `json:"data"`

	// BlockNumber is the block that included the transaction.
	BlockNumber uint64 `json:"blockNumber"`

	// BlockTimestamp is the block time in unix seconds.
	BlockTimestamp int64 `json:"blockTimestamp"`

	// TxHash identifies the ledger transaction ("0x" + 64 hex chars).
	TxHash string `json:"transactionHash"`

	// LogIndex is the position of the event within its transaction.
	LogIndex uint32 `json:"logIndex"`
}

// ID returns the globally unique identifier of the event.
func (e *Event) ID() string {
	return EventID(e.TxHash, e.LogIndex)
}

// Params decodes the event parameters carried in Data.
func (e *Event) Params() (Params, error) {
	return DecodeParams(e.Kind, e.Data)
}

// Params are the decoded arguments of a counter event.
type Params struct {
	// NewValue is the counter value after the transition.
	// Nil for Reset events, which carry no value.
	NewValue *uint64

	// Caller is the identity of the invoker, recorded verbatim.
	Caller string
}

// Uint64 returns a pointer to v; handy for building Params literals.
func Uint64(v uint64) *uint64 {
	return &v
}
