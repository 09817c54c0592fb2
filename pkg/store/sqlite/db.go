package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// MemoryDSN selects a private in-memory database.
const MemoryDSN = ":memory:"

// config holds the options shared by the ledger and the projection store.
type config struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	maxOpenConns int
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool

	// confirmations is the finality depth of the ledger
	confirmations uint64

	// chainID is mixed into transaction hashes
	chainID uint64

	logger *slog.Logger
}

func defaultConfig(dsn string) config {
	return config{
		dsn:          dsn,
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		chainID:      31337,
		logger:       slog.Default(),
	}
}

// Option configures a Ledger or a ProjectionStore.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = MemoryDSN
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithWALMode enables write-ahead logging.
// It is ignored for in-memory databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// WithConfirmations sets how many blocks must follow a block before its
// events are final and visible to the event log reader.
func WithConfirmations(n uint64) Option {
	return func(c *config) {
		c.confirmations = n
	}
}

// WithChainID sets the chain id mixed into transaction hashes.
func WithChainID(id uint64) Option {
	return func(c *config) {
		c.chainID = id
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// open opens and configures the database described by cfg.
func open(cfg config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", pragmaDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to ":memory:" gets its own database.
	if cfg.dsn == MemoryDSN {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return db, nil
}

// pragmaDSN appends the connection pragmas to the DSN. The driver applies
// them to every new connection in the pool.
func pragmaDSN(cfg config) string {
	pragmas := []string{"busy_timeout(5000)", "foreign_keys(1)"}
	if cfg.walMode && cfg.dsn != MemoryDSN {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}

	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(cfg.dsn, "?") {
		sep = "&"
	}
	return cfg.dsn + sep + q.Encode()
}

// inTx runs fn in a transaction, committing on success.
func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
