package store

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/counterledger/pkg/domain"
)

// MaxPageSize bounds every listing; readers never get an unbounded scan.
const MaxPageSize = 1000

// MaxSkip bounds the offset of a listing, so a page never walks more than
// MaxSkip+MaxPageSize index entries.
const MaxSkip = 5000

// OrderField is the record attribute a listing is sorted by.
type OrderField string

const (
	OrderByBlockTimestamp OrderField = "blockTimestamp"
	OrderByBlockNumber    OrderField = "blockNumber"
)

// Direction is the sort direction of a listing.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Page describes a bounded, ordered slice of a collection.
type Page struct {
	// First is the number of records to return (1..MaxPageSize).
	First int

	// Skip is the number of records to skip before the first returned one
	// (0..MaxSkip).
	Skip int

	OrderBy   OrderField
	Direction Direction
}

// Validate fills defaults and checks bounds.
func (p *Page) Validate() error {
	if p.First < 1 || p.First > MaxPageSize {
		return fmt.Errorf("page size %d out of range [1, %d]", p.First, MaxPageSize)
	}
	if p.Skip < 0 || p.Skip > MaxSkip {
		return fmt.Errorf("skip %d out of range [0, %d]", p.Skip, MaxSkip)
	}
	switch p.OrderBy {
	case "":
		p.OrderBy = OrderByBlockTimestamp
	case OrderByBlockTimestamp, OrderByBlockNumber:
	default:
		return fmt.Errorf("unknown order field %q", p.OrderBy)
	}
	switch p.Direction {
	case "":
		p.Direction = Asc
	case Asc, Desc:
	default:
		return fmt.Errorf("unknown direction %q", p.Direction)
	}
	return nil
}

// ProjectionReader is the read-only view of the projection store.
type ProjectionReader interface {
	// Get returns the record with the given id, or nil if there is none.
	Get(ctx context.Context, collection domain.Collection, id string) (*domain.Record, error)

	// List returns a bounded, ordered page of a collection.
	List(ctx context.Context, collection domain.Collection, page Page) ([]*domain.Record, error)

	// Count returns the number of records in a collection.
	Count(ctx context.Context, collection domain.Collection) (int64, error)
}

// Projection is the write side of a named projection. Every write commits
// the projection rows together with the checkpoint.
type Projection interface {
	Name() string

	// Position returns the sequence of the last processed event, 0 if none.
	Position(ctx context.Context) (int64, error)

	// Apply writes rec for event and advances the checkpoint. It reports
	// whether the record was new.
	Apply(ctx context.Context, event *domain.Event, rec *domain.Record) (bool, error)

	// Reject dead-letters event and advances the checkpoint past it.
	Reject(ctx context.Context, event *domain.Event, letter *DeadLetter) error

	// Recover writes rec for a dead-lettered event and resolves the letter.
	Recover(ctx context.Context, letterID string, rec *domain.Record) (bool, error)

	DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Reset deletes every record and the checkpoint.
	Reset(ctx context.Context) error

	Status(ctx context.Context) (*ProjectionState, error)
	SetStatus(ctx context.Context, status ProjectionStatus, message string, progress *RebuildProgress) error
	UpdateProgress(ctx context.Context, progress *RebuildProgress) error
}

// ProjectionStatus represents the current operational status of a projection.
type ProjectionStatus string

const (
	// ProjectionStatusReady indicates the projection is up-to-date and ready to serve queries
	ProjectionStatusReady ProjectionStatus = "READY"

	// ProjectionStatusRebuilding indicates the projection is being rebuilt from scratch
	ProjectionStatusRebuilding ProjectionStatus = "REBUILDING"

	// ProjectionStatusFailed indicates the projection encountered an error
	ProjectionStatusFailed ProjectionStatus = "FAILED"

	// ProjectionStatusPaused indicates the projection is paused (not processing events)
	ProjectionStatusPaused ProjectionStatus = "PAUSED"
)

// ProjectionState tracks the operational state of a projection.
type ProjectionState struct {
	ProjectionName string
	Status         ProjectionStatus
	Message        string // Optional status message (e.g., error details)
	UpdatedAt      time.Time
	Progress       *RebuildProgress // Optional progress info during rebuild
}

// RebuildProgress tracks progress during a projection rebuild.
type RebuildProgress struct {
	EventsProcessed int64
	TotalEvents     int64 // 0 if unknown
	StartedAt       time.Time
}

// ProjectionStatusStore persists projection status for monitoring.
type ProjectionStatusStore interface {
	Save(ctx context.Context, state *ProjectionState) error
	Load(ctx context.Context, projectionName string) (*ProjectionState, error)
	UpdateProgress(ctx context.Context, projectionName string, progress *RebuildProgress) error
}

// DeadLetter is an event a projection could not process, kept for inspection.
type DeadLetter struct {
	ID         string
	Projection string
	Sequence   int64
	EventID    string
	Reason     string
	Attempts   int
	Event      *domain.Event
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// DeadLetterStore persists dead letters.
type DeadLetterStore interface {
	Add(ctx context.Context, letter *DeadLetter) error
	ListUnresolved(ctx context.Context, projection string, limit int) ([]*DeadLetter, error)
	Resolve(ctx context.Context, id string) error
}
