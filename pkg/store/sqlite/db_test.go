package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/store/sqlite"
)

func TestOpen_PragmasApplyToEveryConnection(t *testing.T) {
	ctx := context.Background()
	ledger, err := sqlite.NewLedger(sqlite.WithDSN(filepath.Join(t.TempDir(), "ledger.db")))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	// Hold several connections at once so the pool has to open new ones.
	db := ledger.DB()
	for i := 0; i < 3; i++ {
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()

		var timeout, foreignKeys int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 5000, timeout, "connection %d", i)
		assert.Equal(t, 1, foreignKeys, "connection %d", i)

		var mode string
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode, "connection %d", i)
	}
}
