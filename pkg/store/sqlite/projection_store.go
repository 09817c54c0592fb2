package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/store"
)

var tables = map[domain.Collection]string{
	domain.CollectionIncrements: "counter_increments",
	domain.CollectionDecrements: "counter_decrements",
	domain.CollectionResets:     "counter_resets",
}

func tableFor(c domain.Collection) (string, error) {
	t, ok := tables[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownCollection, c)
	}
	return t, nil
}

// ProjectionStore holds the three record collections.
//
// Records are only ever inserted; an insert for an id that already exists is
// a no-op. Writes happen inside a caller-provided transaction so that the
// record and the projection checkpoint commit together.
type ProjectionStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.ProjectionReader = (*ProjectionStore)(nil)

// NewProjectionStore opens the projection database.
//
// The checkpoint, status and dead-letter stores are usually built on the
// same database:
//
//	records, err := sqlite.NewProjectionStore(sqlite.WithDSN("projection.db"))
//	checkpoints, err := sqlite.NewCheckpointStore(records.DB())
func NewProjectionStore(opts ...Option) (*ProjectionStore, error) {
	cfg := defaultConfig("projection.db")
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.autoMigrate {
		if err := runProjectionMigrations(context.Background(), db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run projection migrations: %w", err)
		}
	}

	return &ProjectionStore{db: db, logger: cfg.logger}, nil
}

// DB returns the underlying database connection for creating transactions.
func (s *ProjectionStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *ProjectionStore) Close() error {
	return s.db.Close()
}

// InsertInTx writes rec unless a record with the same id exists. It reports
// whether a row was inserted.
func (s *ProjectionStore) InsertInTx(ctx context.Context, tx *sql.Tx, rec *domain.Record) (bool, error) {
	collection, err := domain.CollectionFor(rec.Kind)
	if err != nil {
		return false, err
	}
	table, err := tableFor(collection)
	if err != nil {
		return false, err
	}

	var res sql.Result
	if rec.Kind.HasNewValue() {
		if rec.NewValue == nil {
			return false, fmt.Errorf("%s record %s without new value", rec.Kind, rec.ID)
		}
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, new_value, caller, block_number, block_timestamp, transaction_hash, log_index)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`, table),
			rec.ID, int64(*rec.NewValue), rec.Caller, int64(rec.BlockNumber), rec.BlockTimestamp, rec.TransactionHash, int64(rec.LogIndex),
		)
	} else {
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, caller, block_number, block_timestamp, transaction_hash, log_index)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`, table),
			rec.ID, rec.Caller, int64(rec.BlockNumber), rec.BlockTimestamp, rec.TransactionHash, int64(rec.LogIndex),
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert %s record: %w", collection, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ResetInTx deletes every record of every collection.
func (s *ProjectionStore) ResetInTx(ctx context.Context, tx *sql.Tx) error {
	for _, c := range domain.Collections {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+tables[c]); err != nil {
			return fmt.Errorf("failed to reset %s: %w", c, err)
		}
	}
	return nil
}

// Get returns the record with the given id, or nil if there is none.
func (s *ProjectionStore) Get(ctx context.Context, collection domain.Collection, id string) (*domain.Record, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, selectRecord(collection, table)+` WHERE id = ?`, id)
	rec, err := scanRecord(row, collection)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s record: %w", collection, err)
	}
	return rec, nil
}

// List returns a bounded, ordered page of a collection.
func (s *ProjectionStore) List(ctx context.Context, collection domain.Collection, page store.Page) ([]*domain.Record, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}
	if err := page.Validate(); err != nil {
		return nil, err
	}

	dir := "ASC"
	if page.Direction == store.Desc {
		dir = "DESC"
	}
	var order string
	switch page.OrderBy {
	case store.OrderByBlockNumber:
		order = fmt.Sprintf("block_number %[1]s, log_index %[1]s", dir)
	default:
		order = fmt.Sprintf("block_timestamp %[1]s, block_number %[1]s, log_index %[1]s", dir)
	}

	rows, err := s.db.QueryContext(ctx,
		selectRecord(collection, table)+` ORDER BY `+order+` LIMIT ? OFFSET ?`,
		page.First, page.Skip,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	records := make([]*domain.Record, 0, page.First)
	for rows.Next() {
		rec, err := scanRecord(rows, collection)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	return records, nil
}

// Count returns the number of records in a collection.
func (s *ProjectionStore) Count(ctx context.Context, collection domain.Collection) (int64, error) {
	table, err := tableFor(collection)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

func selectRecord(c domain.Collection, table string) string {
	if c.Kind().HasNewValue() {
		return `SELECT id, new_value, caller, block_number, block_timestamp, transaction_hash, log_index FROM ` + table
	}
	return `SELECT id, caller, block_number, block_timestamp, transaction_hash, log_index FROM ` + table
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, c domain.Collection) (*domain.Record, error) {
	rec := &domain.Record{Kind: c.Kind()}
	var block, logIndex int64

	var err error
	if rec.Kind.HasNewValue() {
		var value int64
		err = row.Scan(&rec.ID, &value, &rec.Caller, &block, &rec.BlockTimestamp, &rec.TransactionHash, &logIndex)
		rec.NewValue = domain.Uint64(uint64(value))
	} else {
		err = row.Scan(&rec.ID, &rec.Caller, &block, &rec.BlockTimestamp, &rec.TransactionHash, &logIndex)
	}
	if err != nil {
		return nil, err
	}

	rec.BlockNumber = uint64(block)
	rec.LogIndex = uint32(logIndex)
	return rec, nil
}
