package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/store"
)

// ProjectionStatusStore implements store.ProjectionStatusStore for SQLite.
type ProjectionStatusStore struct {
	db *sql.DB
}

var _ store.ProjectionStatusStore = (*ProjectionStatusStore)(nil)

// NewProjectionStatusStore creates a new SQLite-based projection status store.
func NewProjectionStatusStore(db *sql.DB, opts ...StoreOption) (*ProjectionStatusStore, error) {
	if err := prepareProjectionDB(db, opts); err != nil {
		return nil, fmt.Errorf("failed to run status migrations: %w", err)
	}
	return &ProjectionStatusStore{db: db}, nil
}

// Save saves the projection status.
func (s *ProjectionStatusStore) Save(ctx context.Context, state *store.ProjectionState) error {
	var progressJSON *string
	if state.Progress != nil {
		data, err := json.Marshal(state.Progress)
		if err != nil {
			return fmt.Errorf("failed to marshal progress: %w", err)
		}
		str := string(data)
		progressJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_status (projection_name, status, message, updated_at, progress_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(projection_name) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at,
			progress_json = excluded.progress_json
	`, state.ProjectionName, string(state.Status), state.Message, state.UpdatedAt.Unix(), progressJSON)
	if err != nil {
		return fmt.Errorf("failed to save projection status: %w", err)
	}

	return nil
}

// Load loads the projection status. A projection that never saved one is
// reported as READY.
func (s *ProjectionStatusStore) Load(ctx context.Context, projectionName string) (*store.ProjectionState, error) {
	var (
		status       string
		message      sql.NullString
		updatedAt    int64
		progressJSON sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT status, message, updated_at, progress_json
		FROM projection_status
		WHERE projection_name = ?
	`, projectionName).Scan(&status, &message, &updatedAt, &progressJSON)

	if errors.Is(err, sql.ErrNoRows) {
		return &store.ProjectionState{
			ProjectionName: projectionName,
			Status:         store.ProjectionStatusReady,
			UpdatedAt:      domain.Now(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load projection status: %w", err)
	}

	state := &store.ProjectionState{
		ProjectionName: projectionName,
		Status:         store.ProjectionStatus(status),
		Message:        message.String,
		UpdatedAt:      time.Unix(updatedAt, 0),
	}

	if progressJSON.Valid {
		var progress store.RebuildProgress
		if err := json.Unmarshal([]byte(progressJSON.String), &progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
		}
		state.Progress = &progress
	}

	return state, nil
}

// UpdateProgress updates rebuild progress.
func (s *ProjectionStatusStore) UpdateProgress(ctx context.Context, projectionName string, progress *store.RebuildProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE projection_status
		SET progress_json = ?, updated_at = ?
		WHERE projection_name = ?
	`, string(data), domain.Now().Unix(), projectionName)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	return nil
}
