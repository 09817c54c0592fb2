package store

import (
	"context"

	"github.com/plaenen/counterledger/pkg/counter"
	"github.com/plaenen/counterledger/pkg/domain"
)

// Receipt describes a committed ledger transaction.
type Receipt struct {
	// Value is the counter value after the transaction.
	Value uint64

	// BlockNumber is the block that included the transaction.
	BlockNumber uint64

	// TxHash identifies the transaction.
	TxHash string

	// Events are the events the transaction emitted, in log index order.
	Events []*domain.Event
}

// Ledger is the authoritative host of the counter state.
// Every mutating call either commits its state change together with its
// events or fails with no effect at all.
type Ledger interface {
	// Increment adds one to the counter.
	Increment(ctx context.Context, caller string) (*Receipt, error)

	// Decrement subtracts one from the counter.
	// Returns domain.ErrInvariantViolation if the counter is zero.
	Decrement(ctx context.Context, caller string) (*Receipt, error)

	// Reset sets the counter to zero. It always emits an event.
	Reset(ctx context.Context, caller string) (*Receipt, error)

	// Execute applies ops in a single transaction, all or nothing.
	Execute(ctx context.Context, caller string, ops ...counter.Operation) (*Receipt, error)

	// GetCounter returns the current value without side effects.
	GetCounter(ctx context.Context) (uint64, error)
}

// Head reports the tip of the ledger.
type Head struct {
	// LatestBlock is the most recent block.
	LatestBlock uint64

	// FinalizedBlock is the most recent block past the confirmation depth.
	FinalizedBlock uint64

	// LatestSequence is the sequence of the newest event in the log.
	LatestSequence int64
}

// EventLog is the read side of the ledger's event log.
type EventLog interface {
	// LoadEvents returns finalized events with Sequence > afterSequence in
	// causal order, at most limit of them.
	LoadEvents(ctx context.Context, afterSequence int64, limit int) ([]*domain.Event, error)

	// Head returns the current tip of the ledger.
	Head(ctx context.Context) (Head, error)
}
