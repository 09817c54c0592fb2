// Package config loads the counterd process configuration: defaults, then an
// optional YAML file, then COUNTER_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/plaenen/counterledger/pkg/security/credentials"
)

// EnvPrefix prefixes every environment variable, e.g. COUNTER_NATS_URL.
const EnvPrefix = "COUNTER_"

// Config is the complete process configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"        envPrefix:"LOG_"`
	Ledger     LedgerConfig     `yaml:"ledger"     envPrefix:"LEDGER_"`
	Projection ProjectionConfig `yaml:"projection" envPrefix:"PROJECTION_"`
	NATS       NATSConfig       `yaml:"nats"       envPrefix:"NATS_"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"  envPrefix:"TELEMETRY_"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// LedgerConfig configures the authoritative ledger database.
type LedgerConfig struct {
	DSN           string `yaml:"dsn"           env:"DSN"`
	Confirmations uint64 `yaml:"confirmations" env:"CONFIRMATIONS"`
	ChainID       uint64 `yaml:"chain_id"      env:"CHAIN_ID"`
	WALMode       bool   `yaml:"wal_mode"      env:"WAL_MODE"`
}

// ProjectionConfig configures the projection database and its indexer.
type ProjectionConfig struct {
	DSN            string        `yaml:"dsn"              env:"DSN"`
	Name           string        `yaml:"name"             env:"NAME"`
	BatchSize      int           `yaml:"batch_size"       env:"BATCH_SIZE"`
	PollInterval   time.Duration `yaml:"poll_interval"    env:"POLL_INTERVAL"`
	MaxAttempts    int           `yaml:"max_attempts"     env:"MAX_ATTEMPTS"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"    env:"RETRY_BACKOFF"`
	RebuildOnStart bool          `yaml:"rebuild_on_start" env:"REBUILD_ON_START"`
}

// NATSConfig configures the broker, the event stream and request/reply.
type NATSConfig struct {
	// Embedded runs an in-process server instead of connecting to URL.
	Embedded bool   `yaml:"embedded"  env:"EMBEDDED"`
	URL      string `yaml:"url"       env:"URL"`
	Token    string `yaml:"token"     env:"TOKEN"`
	Host     string `yaml:"host"      env:"HOST"`
	Port     int    `yaml:"port"      env:"PORT"`
	StoreDir string `yaml:"store_dir" env:"STORE_DIR"`

	// User and Password authenticate instead of Token.
	User     string `yaml:"user"     env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`

	// CredentialsFile holds credentials sealed with the keeper at KeeperURL
	// (see "counterd seal-credentials"). It overrides Token and User.
	CredentialsFile string `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
	KeeperURL       string `yaml:"keeper_url"       env:"KEEPER_URL"`

	StreamName      string        `yaml:"stream_name"      env:"STREAM_NAME"`
	StreamMaxAge    time.Duration `yaml:"stream_max_age"   env:"STREAM_MAX_AGE"`
	DuplicateWindow time.Duration `yaml:"duplicate_window" env:"DUPLICATE_WINDOW"`

	QueueGroup     string        `yaml:"queue_group"     env:"QUEUE_GROUP"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	Environment string  `yaml:"environment"  env:"ENVIRONMENT"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`

	// TracesDSN stores spans in a SQLite database; empty disables tracing.
	TracesDSN      string        `yaml:"traces_dsn"      env:"TRACES_DSN"`
	TraceRetention time.Duration `yaml:"trace_retention" env:"TRACE_RETENTION"`

	// MetricsInterval logs metric snapshots at this interval; zero disables.
	MetricsInterval time.Duration `yaml:"metrics_interval" env:"METRICS_INTERVAL"`
}

// Default returns the configuration of a single-node development setup.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Ledger: LedgerConfig{
			DSN:     "ledger.db",
			ChainID: 1,
			WALMode: true,
		},
		Projection: ProjectionConfig{
			DSN:          "projection.db",
			Name:         "counter-records",
			BatchSize:    500,
			PollInterval: time.Second,
			MaxAttempts:  5,
			RetryBackoff: 50 * time.Millisecond,
		},
		NATS: NATSConfig{
			Embedded:        true,
			URL:             "nats://127.0.0.1:4222",
			Host:            "127.0.0.1",
			Port:            4222,
			StreamName:      "COUNTER_EVENTS",
			StreamMaxAge:    7 * 24 * time.Hour,
			DuplicateWindow: 2 * time.Minute,
			QueueGroup:      "counter-handlers",
			RequestTimeout:  10 * time.Second,
			HandlerTimeout:  10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "counterd",
			Environment:    "development",
			SampleRate:     1,
			TraceRetention: 24 * time.Hour,
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg with the COUNTER_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if c.Ledger.DSN == "" {
		errs = append(errs, errors.New("ledger.dsn is required"))
	}
	if c.Projection.DSN == "" {
		errs = append(errs, errors.New("projection.dsn is required"))
	}
	if c.Projection.DSN == c.Ledger.DSN && c.Ledger.DSN != ":memory:" {
		errs = append(errs, errors.New("projection.dsn must differ from ledger.dsn"))
	}
	if c.Projection.Name == "" {
		errs = append(errs, errors.New("projection.name is required"))
	}
	if c.Projection.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("projection.batch_size must be positive, got %d", c.Projection.BatchSize))
	}
	if c.Projection.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("projection.poll_interval must be positive, got %s", c.Projection.PollInterval))
	}
	if c.Projection.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("projection.max_attempts must be at least 1, got %d", c.Projection.MaxAttempts))
	}

	if !c.NATS.Embedded && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required unless nats.embedded is set"))
	}
	if c.NATS.CredentialsFile != "" && c.NATS.KeeperURL == "" {
		errs = append(errs, errors.New("nats.keeper_url is required with nats.credentials_file"))
	}
	if (c.NATS.User == "") != (c.NATS.Password == "") {
		errs = append(errs, errors.New("nats.user and nats.password must be set together"))
	}
	if c.NATS.StreamName == "" {
		errs = append(errs, errors.New("nats.stream_name is required"))
	}
	if c.NATS.RequestTimeout <= 0 || c.NATS.HandlerTimeout <= 0 {
		errs = append(errs, errors.New("nats.request_timeout and nats.handler_timeout must be positive"))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0, 1], got %g", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// CredentialsProvider returns the provider for the configured NATS
// credentials, or nil when the connection is unauthenticated.
func (n NATSConfig) CredentialsProvider(ctx context.Context) (credentials.Provider, error) {
	switch {
	case n.CredentialsFile != "":
		return credentials.NewSealedProvider(ctx, n.KeeperURL, n.CredentialsFile, 5*time.Minute)
	case n.User != "":
		return credentials.NewStaticUserPasswordProvider(n.User, n.Password), nil
	case n.Token != "":
		return credentials.NewStaticTokenProvider(n.Token), nil
	}
	return nil, nil
}

// NewLogger builds the slog logger described by the config.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
