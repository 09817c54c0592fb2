package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/counterledger/pkg/store"
)

// CheckpointStore is a SQLite-based implementation of store.CheckpointStore.
// Use SaveInTx to commit a checkpoint together with the projection rows it
// covers.
type CheckpointStore struct {
	db *sql.DB
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

// bookkeepingConfig holds internal configuration for the checkpoint, status
// and dead-letter stores.
type bookkeepingConfig struct {
	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool
}

// StoreOption configures the checkpoint, status and dead-letter stores.
type StoreOption func(*bookkeepingConfig)

// WithStoreAutoMigrate enables automatic migration on startup.
func WithStoreAutoMigrate(enabled bool) StoreOption {
	return func(c *bookkeepingConfig) {
		c.autoMigrate = enabled
	}
}

func prepareProjectionDB(db *sql.DB, opts []StoreOption) error {
	cfg := bookkeepingConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.autoMigrate {
		return nil
	}
	return runProjectionMigrations(context.Background(), db)
}

// NewCheckpointStore creates a checkpoint store on db, normally the
// projection database.
func NewCheckpointStore(db *sql.DB, opts ...StoreOption) (*CheckpointStore, error) {
	if err := prepareProjectionDB(db, opts); err != nil {
		return nil, fmt.Errorf("failed to run checkpoint migrations: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// DB returns the underlying database connection for creating transactions.
func (s *CheckpointStore) DB() *sql.DB {
	return s.db
}

// Save saves a checkpoint in its own transaction.
// Prefer SaveInTx when the checkpoint covers projection writes.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *store.Checkpoint) error {
	if err := saveCheckpoint(ctx, s.db, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// SaveInTx saves a checkpoint within the provided transaction.
//
//	tx, err := checkpointStore.DB().BeginTx(ctx, nil)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	inserted, err := records.InsertInTx(ctx, tx, rec)
//	...
//	err = checkpointStore.SaveInTx(ctx, tx, checkpoint)
//	...
//	return tx.Commit()
func (s *CheckpointStore) SaveInTx(ctx context.Context, tx *sql.Tx, checkpoint *store.Checkpoint) error {
	if err := saveCheckpoint(ctx, tx, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint in transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveCheckpoint(ctx context.Context, e execer, cp *store.Checkpoint) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`,
		cp.ProjectionName, cp.Sequence, cp.LastEventID, cp.UpdatedAt.Unix(),
	)
	return err
}

// Load loads a checkpoint for a projection.
func (s *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.Checkpoint, error) {
	var (
		cp        = store.Checkpoint{ProjectionName: projectionName}
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position, last_event_id, updated_at
		FROM projection_checkpoints
		WHERE projection_name = ?`, projectionName,
	).Scan(&cp.Sequence, &cp.LastEventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrCheckpointNotFound, projectionName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.UpdatedAt = time.Unix(updatedAt, 0)
	return &cp, nil
}

// Delete deletes a checkpoint (for rebuilding).
func (s *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM projection_checkpoints WHERE projection_name = ?`, projectionName,
	); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// DeleteInTx deletes a checkpoint within the provided transaction.
func (s *CheckpointStore) DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projection_checkpoints WHERE projection_name = ?`, projectionName,
	); err != nil {
		return fmt.Errorf("failed to delete checkpoint in transaction: %w", err)
	}
	return nil
}
