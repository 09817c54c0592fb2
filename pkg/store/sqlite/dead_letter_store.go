package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/idgen"
	"github.com/plaenen/counterledger/pkg/store"
)

// DeadLetterStore keeps events a projection could not map.
type DeadLetterStore struct {
	db *sql.DB
}

var _ store.DeadLetterStore = (*DeadLetterStore)(nil)

// NewDeadLetterStore creates a dead-letter store on the projection database.
func NewDeadLetterStore(db *sql.DB, opts ...StoreOption) (*DeadLetterStore, error) {
	if err := prepareProjectionDB(db, opts); err != nil {
		return nil, fmt.Errorf("failed to run dead letter migrations: %w", err)
	}
	return &DeadLetterStore{db: db}, nil
}

// Add stores a dead letter in its own transaction. An event already
// dead-lettered by the same projection is not stored twice.
func (s *DeadLetterStore) Add(ctx context.Context, letter *store.DeadLetter) error {
	return s.add(ctx, s.db, letter)
}

// AddInTx stores a dead letter within the provided transaction, so that the
// checkpoint can move past the event in the same commit.
func (s *DeadLetterStore) AddInTx(ctx context.Context, tx *sql.Tx, letter *store.DeadLetter) error {
	return s.add(ctx, tx, letter)
}

func (s *DeadLetterStore) add(ctx context.Context, e execer, letter *store.DeadLetter) error {
	if letter.ID == "" {
		letter.ID = idgen.MustGenerateSortableID()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = domain.Now()
	}

	eventJSON, err := json.Marshal(toStoredEvent(letter.Event))
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter event: %w", err)
	}

	if _, err := e.ExecContext(ctx, `
		INSERT INTO projection_dead_letters
			(id, projection_name, sequence, event_id, reason, attempts, event_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (projection_name, event_id) DO NOTHING`,
		letter.ID, letter.Projection, letter.Sequence, letter.EventID, letter.Reason,
		letter.Attempts, string(eventJSON), letter.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

// ListUnresolved returns unresolved dead letters of a projection in log order.
func (s *DeadLetterStore) ListUnresolved(ctx context.Context, projection string, limit int) ([]*store.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, projection_name, sequence, event_id, reason, attempts, event_json, created_at
		FROM projection_dead_letters
		WHERE projection_name = ? AND resolved_at IS NULL
		ORDER BY sequence
		LIMIT ?`, projection, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*store.DeadLetter
	for rows.Next() {
		var (
			l         store.DeadLetter
			eventJSON string
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.Projection, &l.Sequence, &l.EventID, &l.Reason, &l.Attempts, &eventJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		l.CreatedAt = time.Unix(createdAt, 0)

		var se *storedEvent
		if err := json.Unmarshal([]byte(eventJSON), &se); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter %s: %w", l.ID, err)
		}
		l.Event = se.event()
		letters = append(letters, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}

// Resolve marks a dead letter as handled.
func (s *DeadLetterStore) Resolve(ctx context.Context, id string) error {
	return s.resolve(ctx, s.db, id)
}

// ResolveInTx marks a dead letter as handled within the provided transaction.
func (s *DeadLetterStore) ResolveInTx(ctx context.Context, tx *sql.Tx, id string) error {
	return s.resolve(ctx, tx, id)
}

func (s *DeadLetterStore) resolve(ctx context.Context, e execer, id string) error {
	res, err := e.ExecContext(ctx,
		`UPDATE projection_dead_letters SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		domain.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %s not found or already resolved", id)
	}
	return nil
}

// storedEvent keeps the kind numeric so events of unknown kind survive the
// round trip.
type storedEvent struct {
	Sequence       int64  `json:"sequence"`
	Kind           uint8  `json:"kind"`
	Data           []byte `json:"data"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockTimestamp int64  `json:"blockTimestamp"`
	TxHash         string `json:"transactionHash"`
	LogIndex       uint32 `json:"logIndex"`
}

func toStoredEvent(evt *domain.Event) *storedEvent {
	if evt == nil {
		return nil
	}
	return &storedEvent{
		Sequence:       evt.Sequence,
		Kind:           uint8(evt.Kind),
		Data:           evt.Data,
		BlockNumber:    evt.BlockNumber,
		BlockTimestamp: evt.BlockTimestamp,
		TxHash:         evt.TxHash,
		LogIndex:       evt.LogIndex,
	}
}

func (se *storedEvent) event() *domain.Event {
	if se == nil {
		return nil
	}
	return &domain.Event{
		Sequence:       se.Sequence,
		Kind:           domain.EventKind(se.Kind),
		Data:           se.Data,
		BlockNumber:    se.BlockNumber,
		BlockTimestamp: se.BlockTimestamp,
		TxHash:         se.TxHash,
		LogIndex:       se.LogIndex,
	}
}
