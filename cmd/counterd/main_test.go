package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/plaenen/counterledger/pkg/counter"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/security/credentials"
	"github.com/plaenen/counterledger/pkg/store"
	"github.com/plaenen/counterledger/pkg/store/sqlite"
)

const caller = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"

type testNode struct {
	dir    string
	config string
	port   int
}

const testKeeper = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="

// newTestNode writes a config for a node in a temp dir. natsExtra is
// appended to the nats section.
func newTestNode(t *testing.T, natsExtra ...string) *testNode {
	t.Helper()
	n := &testNode{dir: t.TempDir(), port: freePort(t)}
	n.config = filepath.Join(n.dir, "counterd.yaml")
	content := fmt.Sprintf(`
log:
  level: warn
ledger:
  dsn: %s
projection:
  dsn: %s
  poll_interval: 50ms
nats:
  embedded: true
  host: 127.0.0.1
  port: %d
  store_dir: %s
%s
telemetry:
  traces_dsn: %s
`,
		filepath.Join(n.dir, "ledger.db"),
		filepath.Join(n.dir, "projection.db"),
		n.port,
		filepath.Join(n.dir, "nats"),
		strings.Join(natsExtra, "\n"),
		filepath.Join(n.dir, "traces.db"),
	)
	require.NoError(t, os.WriteFile(n.config, []byte(content), 0o600))
	return n
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// run executes the command tree against the node's config.
func (n *testNode) run(ctx context.Context, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", n.config}, args...))
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{
		"serve", "increment", "decrement", "reset", "get",
		"query", "latest", "reindex", "dead-letters", "traces",
		"mine", "verify", "event", "seal-credentials",
	} {
		assert.Contains(t, names, want)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	n := newTestNode(t)
	_, err := n.run(context.Background(), "--format", "yaml", "reindex")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRootCommand_MissingConfig(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "reindex"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	l, err := sqlite.NewLedger(sqlite.WithDSN(filepath.Join(n.dir, "ledger.db")))
	require.NoError(t, err)
	_, err = l.Increment(ctx, caller)
	require.NoError(t, err)
	_, err = l.Reset(ctx, caller)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	out, err := n.run(ctx, "--format", "json", "reindex")
	require.NoError(t, err)

	var result ReindexResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "counter-records", result.Projection)
	assert.Equal(t, int64(2), result.Position)

	// A second run starts from scratch and ends at the same position.
	out, err = n.run(ctx, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "up to sequence 2")

	records, err := sqlite.NewProjectionStore(sqlite.WithDSN(filepath.Join(n.dir, "projection.db")))
	require.NoError(t, err)
	defer records.Close()
	count, err := records.Count(ctx, domain.CollectionResets)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDeadLetters_Empty(t *testing.T) {
	n := newTestNode(t)

	out, err := n.run(context.Background(), "--format", "json", "dead-letters", "--retry")
	require.NoError(t, err)

	var result DeadLettersResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 0, result.Resolved)
	assert.Empty(t, result.Letters)

	out, err = n.run(context.Background(), "dead-letters")
	require.NoError(t, err)
	assert.Contains(t, out, "No unresolved dead letters")
}

func TestDeadLetters_Resolve(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	records, err := sqlite.NewProjectionStore(sqlite.WithDSN(filepath.Join(n.dir, "projection.db")))
	require.NoError(t, err)
	projection, err := sqlite.NewProjection("counter-records", records)
	require.NoError(t, err)
	bad := &domain.Event{Sequence: 1, Kind: domain.EventKind(9), BlockNumber: 1, TxHash: "0x" + strings.Repeat("ab", 32)}
	require.NoError(t, projection.Reject(ctx, bad, &store.DeadLetter{
		Sequence: bad.Sequence,
		EventID:  bad.ID(),
		Reason:   "unknown kind",
		Attempts: 1,
		Event:    bad,
	}))
	letters, err := projection.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.NoError(t, records.Close())

	out, err := n.run(ctx, "dead-letters")
	require.NoError(t, err)
	assert.Contains(t, out, letters[0].ID)

	out, err = n.run(ctx, "--format", "json", "dead-letters", "--resolve", letters[0].ID)
	require.NoError(t, err)
	var result DeadLettersResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Dismissed)
	assert.Empty(t, result.Letters)

	_, err = n.run(ctx, "dead-letters", "--resolve", letters[0].ID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestLedgerCommands(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	l, err := sqlite.NewLedger(sqlite.WithDSN(filepath.Join(n.dir, "ledger.db")))
	require.NoError(t, err)
	r, err := l.Increment(ctx, caller)
	require.NoError(t, err)
	_, err = l.Execute(ctx, caller, counter.OpIncrement, counter.OpDecrement)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	t.Run("verify", func(t *testing.T) {
		out, err := n.run(ctx, "--format", "json", "verify")
		require.NoError(t, err)
		var result VerifyResult
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.True(t, result.Consistent)
		assert.Equal(t, uint64(1), result.Value)
		assert.Equal(t, uint64(1), result.Replayed)
		assert.Equal(t, int64(3), result.Events)
	})

	t.Run("event", func(t *testing.T) {
		out, err := n.run(ctx, "--format", "json", "event", r.Events[0].ID())
		require.NoError(t, err)
		var view EventView
		require.NoError(t, json.Unmarshal([]byte(out), &view))
		assert.Equal(t, domain.KindIncrement, view.Kind)
		assert.Equal(t, caller, view.Caller)
		require.NotNil(t, view.NewValue)
		assert.Equal(t, uint64(1), *view.NewValue)
		assert.True(t, view.Finalized)

		_, err = n.run(ctx, "event", domain.EventID(r.TxHash, 7))
		assert.Equal(t, ExitFailure, GetExitCode(err))

		_, err = n.run(ctx, "event", "nope")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("mine", func(t *testing.T) {
		out, err := n.run(ctx, "--format", "json", "mine", "-n", "2")
		require.NoError(t, err)
		var result MineResult
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, uint64(4), result.Head)
		assert.Equal(t, uint64(4), result.Finalized)
	})
}

func TestTraces(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	db, err := sql.Open("sqlite", filepath.Join(n.dir, "traces.db"))
	require.NoError(t, err)
	spans, err := observability.NewSpanStore(db, 0)
	require.NoError(t, err)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	_, span := tp.Tracer("test").Start(ctx, "counter.v1.increment")
	span.End()
	_, span = tp.Tracer("test").Start(ctx, "indexer.rebuild")
	span.End()
	require.NoError(t, tp.Shutdown(ctx))
	require.NoError(t, db.Close())

	out, err := n.run(ctx, "--format", "json", "traces", "--name", "counter.v1.increment")
	require.NoError(t, err)

	var found []observability.StoredSpan
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "counter.v1.increment", found[0].Name)
}

func TestSealCredentials(t *testing.T) {
	n := newTestNode(t)
	out := filepath.Join(n.dir, "nats.creds")

	stdout, err := n.run(context.Background(), "seal-credentials", "--keeper", testKeeper, "--token", "s3cr3t", "--out", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Sealed token credentials")

	p, err := credentials.NewSealedProvider(context.Background(), testKeeper, out, time.Minute)
	require.NoError(t, err)
	defer p.Close()
	creds, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", creds.Token)

	_, err = n.run(context.Background(), "seal-credentials", "--keeper", testKeeper, "--out", out)
	assert.Equal(t, ExitCommandError, GetExitCode(err), "no secret given")
}

func TestServeAndClient(t *testing.T) {
	credsFile := filepath.Join(t.TempDir(), "nats.creds")
	sealed, err := credentials.Seal(context.Background(), testKeeper,
		&credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: "counterd", Password: "hunter2"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(credsFile, sealed, 0o600))

	n := newTestNode(t,
		"  credentials_file: "+credsFile,
		"  keeper_url: "+testKeeper,
	)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		_, err := n.run(ctx, "serve")
		served <- err
	}()

	var out string
	require.Eventually(t, func() bool {
		var err error
		out, err = n.run(context.Background(), "increment", caller)
		return err == nil
	}, 10*time.Second, 100*time.Millisecond)
	assert.Contains(t, out, "value: 1")

	_, err = n.run(context.Background(), "decrement", caller)
	require.NoError(t, err)

	// Decrementing at zero is rejected and leaves the counter alone.
	_, err = n.run(context.Background(), "decrement", caller)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "INVARIANT_VIOLATION")

	out, err = n.run(context.Background(), "get")
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(out))

	require.Eventually(t, func() bool {
		out, err := n.run(context.Background(), "--format", "json", "query", "decrements")
		if err != nil {
			return false
		}
		var records []*domain.Record
		return json.Unmarshal([]byte(out), &records) == nil && len(records) == 1
	}, 10*time.Second, 100*time.Millisecond)

	out, err = n.run(context.Background(), "latest")
	require.NoError(t, err)
	assert.Contains(t, out, "== increments (1 total)")
	assert.Contains(t, out, caller)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}
