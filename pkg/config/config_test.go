package config_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/counterledger/pkg/config"
	"github.com/plaenen/counterledger/pkg/security/credentials"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counterd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
ledger:
  dsn: /var/lib/counterd/ledger.db
  confirmations: 3
projection:
  dsn: /var/lib/counterd/projection.db
  poll_interval: 250ms
nats:
  embedded: false
  url: nats://nats:4222
`)
	t.Setenv("COUNTER_NATS_URL", "nats://override:4222")
	t.Setenv("COUNTER_PROJECTION_BATCH_SIZE", "50")
	t.Setenv("COUNTER_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint64(3), cfg.Ledger.Confirmations)
	assert.Equal(t, 250*time.Millisecond, cfg.Projection.PollInterval)
	assert.False(t, cfg.NATS.Embedded)
	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, 50, cfg.Projection.BatchSize)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)

	// Untouched sections keep their defaults.
	assert.Equal(t, "COUNTER_EVENTS", cfg.NATS.StreamName)
	assert.Equal(t, "counter-records", cfg.Projection.Name)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := config.Load(writeFile(t, "ledger:\n  dns: typo.db\n"))
		assert.ErrorContains(t, err, "dns")
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("COUNTER_LEDGER_CONFIRMATIONS", "many")
		_, err := config.Load("")
		assert.Error(t, err)
	})

	t.Run("invalid settings are all reported", func(t *testing.T) {
		_, err := config.Load(writeFile(t, `
log:
  level: loud
projection:
  batch_size: 0
telemetry:
  sample_rate: 2
`))
		require.Error(t, err)
		assert.ErrorContains(t, err, "log.level")
		assert.ErrorContains(t, err, "projection.batch_size")
		assert.ErrorContains(t, err, "telemetry.sample_rate")
	})

	t.Run("shared database", func(t *testing.T) {
		t.Setenv("COUNTER_PROJECTION_DSN", "ledger.db")
		_, err := config.Load("")
		assert.ErrorContains(t, err, "projection.dsn must differ")
	})
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := config.LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestNATSConfig_CredentialsProvider(t *testing.T) {
	ctx := context.Background()

	p, err := config.NATSConfig{}.CredentialsProvider(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = config.NATSConfig{Token: "s3cr3t"}.CredentialsProvider(ctx)
	require.NoError(t, err)
	creds, err := p.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, credentials.CredentialTypeToken, creds.Type)

	p, err = config.NATSConfig{Token: "ignored", User: "counterd", Password: "pw"}.CredentialsProvider(ctx)
	require.NoError(t, err)
	creds, err = p.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "counterd", creds.User)

	const keeper = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="
	sealed, err := credentials.Seal(ctx, keeper, &credentials.Credentials{Type: credentials.CredentialTypeToken, Token: "sealed"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "nats.creds")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	p, err = config.NATSConfig{Token: "ignored", CredentialsFile: path, KeeperURL: keeper}.CredentialsProvider(ctx)
	require.NoError(t, err)
	defer p.Close()
	creds, err = p.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sealed", creds.Token)
}

func TestValidate_Credentials(t *testing.T) {
	t.Setenv("COUNTER_NATS_CREDENTIALS_FILE", "/etc/counterd/nats.creds")
	t.Setenv("COUNTER_NATS_USER", "counterd")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "nats.keeper_url")
	assert.ErrorContains(t, err, "nats.user and nats.password")
}
