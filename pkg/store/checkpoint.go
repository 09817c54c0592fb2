package store

import (
	"context"
	"errors"
	"time"
)

// ErrCheckpointNotFound is returned when a projection has no checkpoint yet.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint tracks the progress of a projection through the event log.
type Checkpoint struct {
	ProjectionName string

	// Sequence is the last event log position fully processed.
	Sequence int64

	LastEventID string
	UpdatedAt   time.Time
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore interface {
	// Save saves a checkpoint.
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Load loads a checkpoint for a projection.
	// Returns ErrCheckpointNotFound if none was saved.
	Load(ctx context.Context, projectionName string) (*Checkpoint, error)

	// Delete deletes a checkpoint (for rebuilding).
	Delete(ctx context.Context, projectionName string) error
}
