package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/store"
)

// Projection binds one named projection to its records, checkpoint, status
// and dead letters, all on the projection database. Each write method runs
// a single transaction: projection rows and checkpoint commit together or
// not at all.
type Projection struct {
	name        string
	db          *sql.DB
	records     *ProjectionStore
	checkpoints *CheckpointStore
	status      *ProjectionStatusStore
	deadLetters *DeadLetterStore
}

var _ store.Projection = (*Projection)(nil)

// NewProjection creates the projection named name on top of records.
//
//	records, _ := sqlite.NewProjectionStore(sqlite.WithMemoryDatabase())
//	projection, err := sqlite.NewProjection("counter-records", records)
func NewProjection(name string, records *ProjectionStore) (*Projection, error) {
	db := records.DB()

	checkpoints, err := NewCheckpointStore(db)
	if err != nil {
		return nil, err
	}
	status, err := NewProjectionStatusStore(db)
	if err != nil {
		return nil, err
	}
	deadLetters, err := NewDeadLetterStore(db)
	if err != nil {
		return nil, err
	}

	return &Projection{
		name:        name,
		db:          db,
		records:     records,
		checkpoints: checkpoints,
		status:      status,
		deadLetters: deadLetters,
	}, nil
}

// Name returns the projection name.
func (p *Projection) Name() string {
	return p.name
}

// Records returns the read side of the projection.
func (p *Projection) Records() *ProjectionStore {
	return p.records
}

// Position returns the sequence of the last processed event, 0 if none.
func (p *Projection) Position(ctx context.Context) (int64, error) {
	cp, err := p.checkpoints.Load(ctx, p.name)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cp.Sequence, nil
}

// Checkpoint returns the saved checkpoint.
func (p *Projection) Checkpoint(ctx context.Context) (*store.Checkpoint, error) {
	return p.checkpoints.Load(ctx, p.name)
}

// Apply writes rec for evt and advances the checkpoint to evt. It reports
// whether the record was new; a duplicate still advances the checkpoint.
func (p *Projection) Apply(ctx context.Context, evt *domain.Event, rec *domain.Record) (bool, error) {
	var inserted bool
	err := inTx(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		if inserted, err = p.records.InsertInTx(ctx, tx, rec); err != nil {
			return err
		}
		return p.checkpoints.SaveInTx(ctx, tx, p.checkpointFor(evt))
	})
	return inserted, err
}

// Reject dead-letters evt and advances the checkpoint past it.
func (p *Projection) Reject(ctx context.Context, evt *domain.Event, letter *store.DeadLetter) error {
	letter.Projection = p.name
	return inTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.deadLetters.AddInTx(ctx, tx, letter); err != nil {
			return err
		}
		return p.checkpoints.SaveInTx(ctx, tx, p.checkpointFor(evt))
	})
}

// Recover writes rec for a previously dead-lettered event and resolves the
// letter. The checkpoint is not touched; it already moved past the event.
func (p *Projection) Recover(ctx context.Context, letterID string, rec *domain.Record) (bool, error) {
	var inserted bool
	err := inTx(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		if inserted, err = p.records.InsertInTx(ctx, tx, rec); err != nil {
			return err
		}
		return p.deadLetters.ResolveInTx(ctx, tx, letterID)
	})
	return inserted, err
}

// DeadLetters returns unresolved dead letters in log order.
func (p *Projection) DeadLetters(ctx context.Context, limit int) ([]*store.DeadLetter, error) {
	return p.deadLetters.ListUnresolved(ctx, p.name, limit)
}

// ResolveDeadLetter marks a dead letter as handled without writing a record.
func (p *Projection) ResolveDeadLetter(ctx context.Context, id string) error {
	return p.deadLetters.Resolve(ctx, id)
}

// Reset deletes every record and the checkpoint. Dead letters are kept; a
// replay that rejects the same event again leaves its letter as it was.
func (p *Projection) Reset(ctx context.Context) error {
	err := inTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.records.ResetInTx(ctx, tx); err != nil {
			return err
		}
		return p.checkpoints.DeleteInTx(ctx, tx, p.name)
	})
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	return nil
}

// Status returns the current projection status.
func (p *Projection) Status(ctx context.Context) (*store.ProjectionState, error) {
	return p.status.Load(ctx, p.name)
}

// SetStatus saves the projection status.
func (p *Projection) SetStatus(ctx context.Context, status store.ProjectionStatus, message string, progress *store.RebuildProgress) error {
	return p.status.Save(ctx, &store.ProjectionState{
		ProjectionName: p.name,
		Status:         status,
		Message:        message,
		UpdatedAt:      domain.Now(),
		Progress:       progress,
	})
}

// UpdateProgress records rebuild progress.
func (p *Projection) UpdateProgress(ctx context.Context, progress *store.RebuildProgress) error {
	return p.status.UpdateProgress(ctx, p.name, progress)
}

// IsReady returns true if the projection is ready to serve queries.
func (p *Projection) IsReady(ctx context.Context) bool {
	status, err := p.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == store.ProjectionStatusReady
}

func (p *Projection) checkpointFor(evt *domain.Event) *store.Checkpoint {
	return &store.Checkpoint{
		ProjectionName: p.name,
		Sequence:       evt.Sequence,
		LastEventID:    evt.ID(),
		UpdatedAt:      domain.Now(),
	}
}
