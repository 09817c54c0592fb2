package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/plaenen/counterledger/pkg/counter"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/store"
	"github.com/plaenen/counterledger/pkg/validators"
)

// Ledger hosts the counter state and its event log in SQLite.
//
// Every ledger transaction runs in one SQL transaction: the state is read,
// the transition applied, the new state, block and events written, and the
// whole thing committed or rolled back together. Writers are serialized by a
// mutex; reads go straight to the database.
type Ledger struct {
	db            *sql.DB
	mu            sync.Mutex
	confirmations uint64
	chainID       uint64
	logger        *slog.Logger
}

var (
	_ store.Ledger   = (*Ledger)(nil)
	_ store.EventLog = (*Ledger)(nil)
)

// NewLedger opens the ledger database.
//
// Example usage:
//
//	// Defaults: ledger.db, WAL mode, auto-migrate, no confirmations
//	ledger, err := sqlite.NewLedger()
//
//	// In-memory ledger for tests, events final after 2 blocks
//	ledger, err := sqlite.NewLedger(
//	    sqlite.WithMemoryDatabase(),
//	    sqlite.WithConfirmations(2),
//	)
func NewLedger(opts ...Option) (*Ledger, error) {
	cfg := defaultConfig("ledger.db")
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.autoMigrate {
		if err := runMigrations(context.Background(), db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &Ledger{
		db:            db,
		confirmations: cfg.confirmations,
		chainID:       cfg.chainID,
		logger:        cfg.logger,
	}, nil
}

// DB returns the underlying database.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Confirmations returns the finality depth.
func (l *Ledger) Confirmations() uint64 {
	return l.confirmations
}

func (l *Ledger) Increment(ctx context.Context, caller string) (*store.Receipt, error) {
	return l.Execute(ctx, caller, counter.OpIncrement)
}

func (l *Ledger) Decrement(ctx context.Context, caller string) (*store.Receipt, error) {
	return l.Execute(ctx, caller, counter.OpDecrement)
}

func (l *Ledger) Reset(ctx context.Context, caller string) (*store.Receipt, error) {
	return l.Execute(ctx, caller, counter.OpReset)
}

// Execute applies ops as one ledger transaction. The events share a
// transaction hash and get log indexes 0..len(ops)-1.
func (l *Ledger) Execute(ctx context.Context, caller string, ops ...counter.Operation) (*store.Receipt, error) {
	if len(ops) == 0 {
		return nil, errors.New("no operations")
	}
	if err := validators.ValidateAddress("caller", caller).Err(domain.ErrInvalidCaller); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var receipt *store.Receipt
	err := inTx(ctx, l.db, func(tx *sql.Tx) error {
		var value, nonce int64
		if err := tx.QueryRowContext(ctx,
			`SELECT value, nonce FROM counter_state WHERE id = 1`,
		).Scan(&value, &nonce); err != nil {
			return fmt.Errorf("failed to read counter state: %w", err)
		}

		next, emissions, err := counter.ApplyAll(counter.State{Value: uint64(value)}, caller, ops...)
		if err != nil {
			return err
		}
		if next.Value > math.MaxInt64 {
			return domain.NewInvariantViolation(domain.ReasonOverflow, uint64(value))
		}

		var head, prevTimestamp int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(number), 0), COALESCE(MAX(timestamp), 0) FROM ledger_blocks`,
		).Scan(&head, &prevTimestamp); err != nil {
			return fmt.Errorf("failed to read head: %w", err)
		}

		block := uint64(head) + 1
		timestamp := max(domain.Now().Unix(), prevTimestamp)
		txHash := l.transactionHash(block, caller, uint64(nonce), ops)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_blocks (number, timestamp, tx_hash) VALUES (?, ?, ?)`,
			int64(block), timestamp, txHash,
		); err != nil {
			return fmt.Errorf("failed to insert block: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE counter_state SET value = ?, nonce = nonce + 1 WHERE id = 1`,
			int64(next.Value),
		); err != nil {
			return fmt.Errorf("failed to update counter state: %w", err)
		}

		events := make([]*domain.Event, 0, len(emissions))
		for i, em := range emissions {
			evt := &domain.Event{
				Kind:           em.Kind,
				Data:           domain.EncodeParams(em.Params),
				BlockNumber:    block,
				BlockTimestamp: timestamp,
				TxHash:         txHash,
				LogIndex:       uint32(i),
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_events (event_id, kind, data, block_number, block_timestamp, tx_hash, log_index)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				evt.ID(), int64(evt.Kind), evt.Data, int64(evt.BlockNumber), evt.BlockTimestamp, evt.TxHash, int64(evt.LogIndex),
			)
			if err != nil {
				return fmt.Errorf("failed to append event: %w", err)
			}
			if evt.Sequence, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read event sequence: %w", err)
			}
			events = append(events, evt)
		}

		receipt = &store.Receipt{
			Value:       next.Value,
			BlockNumber: block,
			TxHash:      txHash,
			Events:      events,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("ledger transaction committed",
		"block", receipt.BlockNumber,
		"tx_hash", receipt.TxHash,
		"events", len(receipt.Events),
		"value", receipt.Value,
	)
	return receipt, nil
}

// Mine appends n empty blocks, advancing finality without any transition.
func (l *Ledger) Mine(ctx context.Context, n int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var head int64
	err := inTx(ctx, l.db, func(tx *sql.Tx) error {
		var prevTimestamp int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(number), 0), COALESCE(MAX(timestamp), 0) FROM ledger_blocks`,
		).Scan(&head, &prevTimestamp); err != nil {
			return fmt.Errorf("failed to read head: %w", err)
		}
		for range n {
			head++
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ledger_blocks (number, timestamp) VALUES (?, ?)`,
				head, max(domain.Now().Unix(), prevTimestamp),
			); err != nil {
				return fmt.Errorf("failed to insert block: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(head), nil
}

// GetCounter returns the current value.
func (l *Ledger) GetCounter(ctx context.Context) (uint64, error) {
	var value int64
	if err := l.db.QueryRowContext(ctx,
		`SELECT value FROM counter_state WHERE id = 1`,
	).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to read counter state: %w", err)
	}
	return uint64(value), nil
}

// Head returns the current tip of the ledger.
func (l *Ledger) Head(ctx context.Context) (store.Head, error) {
	var block, sequence int64
	if err := l.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(MAX(number), 0) FROM ledger_blocks),
			(SELECT COALESCE(MAX(sequence), 0) FROM ledger_events)`,
	).Scan(&block, &sequence); err != nil {
		return store.Head{}, fmt.Errorf("failed to read head: %w", err)
	}

	h := store.Head{LatestBlock: uint64(block), LatestSequence: sequence}
	if h.LatestBlock > l.confirmations {
		h.FinalizedBlock = h.LatestBlock - l.confirmations
	}
	return h, nil
}

// LoadEvents returns finalized events after afterSequence in log order.
func (l *Ledger) LoadEvents(ctx context.Context, afterSequence int64, limit int) ([]*domain.Event, error) {
	head, err := l.Head(ctx)
	if err != nil {
		return nil, err
	}
	return l.loadEvents(ctx, `
		SELECT sequence, kind, data, block_number, block_timestamp, tx_hash, log_index
		FROM ledger_events
		WHERE sequence > ? AND block_number <= ?
		ORDER BY sequence
		LIMIT ?`,
		afterSequence, int64(head.FinalizedBlock), limit,
	)
}

// EventsByTxHash returns the events of one transaction, finalized or not.
func (l *Ledger) EventsByTxHash(ctx context.Context, txHash string) ([]*domain.Event, error) {
	return l.loadEvents(ctx, `
		SELECT sequence, kind, data, block_number, block_timestamp, tx_hash, log_index
		FROM ledger_events
		WHERE tx_hash = ?
		ORDER BY sequence`,
		txHash,
	)
}

// ReplayState folds the whole log, finalized or not, into a state. It must
// always equal the stored state.
func (l *Ledger) ReplayState(ctx context.Context) (counter.State, error) {
	var (
		state counter.State
		after int64
	)
	for {
		events, err := l.loadEvents(ctx, `
			SELECT sequence, kind, data, block_number, block_timestamp, tx_hash, log_index
			FROM ledger_events
			WHERE sequence > ?
			ORDER BY sequence
			LIMIT 1000`,
			after,
		)
		if err != nil {
			return counter.State{}, err
		}
		if len(events) == 0 {
			return state, nil
		}
		if state, err = counter.Replay(state, events); err != nil {
			return counter.State{}, err
		}
		after = events[len(events)-1].Sequence
	}
}

func (l *Ledger) loadEvents(ctx context.Context, query string, args ...any) ([]*domain.Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var (
			evt                   domain.Event
			kind, block, logIndex int64
		)
		if err := rows.Scan(&evt.Sequence, &kind, &evt.Data, &block, &evt.BlockTimestamp, &evt.TxHash, &logIndex); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Kind = domain.EventKind(kind)
		evt.BlockNumber = uint64(block)
		evt.LogIndex = uint32(logIndex)
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// transactionHash derives a Keccak-256 hash unique to one ledger transaction.
func (l *Ledger) transactionHash(block uint64, caller string, nonce uint64, ops []counter.Operation) string {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	for _, n := range []uint64{l.chainID, block, nonce} {
		binary.BigEndian.PutUint64(buf[:], n)
		h.Write(buf[:])
	}
	h.Write([]byte(caller))
	for _, op := range ops {
		h.Write([]byte{byte(op)})
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
