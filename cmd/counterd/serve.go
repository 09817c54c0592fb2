package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	_ "modernc.org/sqlite"

	"github.com/plaenen/counterledger/pkg/api"
	"github.com/plaenen/counterledger/pkg/config"
	"github.com/plaenen/counterledger/pkg/cqrs"
	"github.com/plaenen/counterledger/pkg/indexer"
	"github.com/plaenen/counterledger/pkg/infrastructure/nats"
	"github.com/plaenen/counterledger/pkg/ledger"
	natsbus "github.com/plaenen/counterledger/pkg/messaging/nats"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/query"
	"github.com/plaenen/counterledger/pkg/runner"
	runtimeapi "github.com/plaenen/counterledger/pkg/runtime/api"
	"github.com/plaenen/counterledger/pkg/runtime/embeddednats"
	"github.com/plaenen/counterledger/pkg/runtime/eventbus"
	runtimeindexer "github.com/plaenen/counterledger/pkg/runtime/indexer"
	"github.com/plaenen/counterledger/pkg/security/credentials"
	"github.com/plaenen/counterledger/pkg/store/sqlite"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger, the indexer and the query service",
		Long: `Run a counter ledger node until SIGINT or SIGTERM.

The node hosts the ledger, publishes committed events to JetStream,
indexes them into the projection database and answers the counter.v1
request subjects. With nats.embedded set it also runs its own NATS
server.

Examples:
  counterd serve
  counterd serve --config counterd.yaml
  COUNTER_NATS_EMBEDDED=false COUNTER_NATS_URL=nats://broker:4222 counterd serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

type staticURL string

func (u staticURL) URL() string { return string(u) }

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	tel, closeTelemetry, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up telemetry", err)
	}
	defer func() { err = errors.Join(err, closeTelemetry(context.WithoutCancel(ctx))) }()

	l, records, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()
	defer records.Close()

	projection, err := sqlite.NewProjection(cfg.Projection.Name, records)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open projection", err)
	}

	creds, err := loadCredentials(ctx, cfg)
	if err != nil {
		return err
	}

	var services []runner.Service
	var urlSource interface{ URL() string } = staticURL(cfg.NATS.URL)
	if cfg.NATS.Embedded {
		natsService := embeddednats.New(
			embeddednats.WithLogger(logger),
			embeddednats.WithTracer(tel.Tracer()),
			embeddednats.WithNATSOptions(
				nats.WithHost(cfg.NATS.Host),
				nats.WithPort(cfg.NATS.Port),
				nats.WithStoreDir(cfg.NATS.StoreDir),
				nats.WithLogger(logger),
				nats.WithCredentials(creds),
			),
		)
		services = append(services, natsService)
		urlSource = natsService
	}

	busConfig := natsbus.DefaultConfig()
	busConfig.StreamName = cfg.NATS.StreamName
	busConfig.MaxAge = cfg.NATS.StreamMaxAge
	busConfig.DuplicateWindow = cfg.NATS.DuplicateWindow
	bus := eventbus.New(
		eventbus.WithConfig(busConfig),
		eventbus.WithURLSource(urlSource),
		eventbus.WithNATSOptions(creds.NATSOptions()...),
		eventbus.WithLogger(logger),
		eventbus.WithTracer(tel.Tracer()),
	)

	ledgerService := ledger.NewService(l,
		ledger.WithEventBus(bus),
		ledger.WithLogger(logger),
		ledger.WithTelemetry(tel),
	)

	ix := indexer.New(l, projection,
		indexer.WithEventBus(bus),
		indexer.WithBatchSize(cfg.Projection.BatchSize),
		indexer.WithPollInterval(cfg.Projection.PollInterval),
		indexer.WithRetry(cfg.Projection.MaxAttempts, cfg.Projection.RetryBackoff),
		indexer.WithLogger(logger),
		indexer.WithTelemetry(tel),
	)

	queryService := query.NewService(records,
		query.WithLogger(logger),
		query.WithTelemetry(tel),
	)

	apiService := runtimeapi.New(
		api.NewHandlers(ledgerService, queryService, logger),
		runtimeapi.WithURLSource(urlSource),
		runtimeapi.WithNATSOptions(creds.NATSOptions()...),
		runtimeapi.WithServerConfig(&cqrs.ServerConfig{
			QueueGroup:     cfg.NATS.QueueGroup,
			HandlerTimeout: cfg.NATS.HandlerTimeout,
		}),
		runtimeapi.WithTelemetry(tel),
		runtimeapi.WithLogger(logger),
	)

	services = append(services,
		bus,
		runtimeindexer.New(ix, projection,
			runtimeindexer.WithLogger(logger),
			runtimeindexer.WithRebuildOnStart(cfg.Projection.RebuildOnStart),
		),
		apiService,
	)

	logger.Info("starting counterd",
		"version", version,
		"ledger", cfg.Ledger.DSN,
		"projection", cfg.Projection.DSN,
		"embedded_nats", cfg.NATS.Embedded,
	)
	return runner.New(services, runner.WithLogger(logger)).Run(ctx)
}

// loadCredentials resolves the configured NATS credentials once. Nil means
// the connection is unauthenticated.
func loadCredentials(ctx context.Context, cfg *config.Config) (*credentials.Credentials, error) {
	provider, err := cfg.NATS.CredentialsProvider(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load NATS credentials", err)
	}
	if provider == nil {
		return nil, nil
	}
	defer provider.Close()

	creds, err := provider.GetCredentials(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load NATS credentials", err)
	}
	return creds, nil
}

// openStores opens the ledger and projection databases named by cfg.
func openStores(cfg *config.Config, logger *slog.Logger) (*sqlite.Ledger, *sqlite.ProjectionStore, error) {
	l, err := openLedger(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	records, err := sqlite.NewProjectionStore(
		sqlite.WithDSN(cfg.Projection.DSN),
		sqlite.WithWALMode(cfg.Ledger.WALMode),
		sqlite.WithLogger(logger),
	)
	if err != nil {
		l.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open projection store", err)
	}
	return l, records, nil
}

// setupTelemetry stores spans in the traces database and logs metrics
// periodically. Either half is off when its setting is empty.
func setupTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*observability.Telemetry, func(context.Context) error, error) {
	obsConfig := observability.Config{
		ServiceName:     cfg.Telemetry.ServiceName,
		ServiceVersion:  version,
		Environment:     cfg.Telemetry.Environment,
		TraceSampleRate: cfg.Telemetry.SampleRate,
		Logger:          logger,
	}

	var tracesDB *sql.DB
	if cfg.Telemetry.TracesDSN != "" {
		db, err := sql.Open("sqlite", cfg.Telemetry.TracesDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open traces database: %w", err)
		}
		db.SetMaxOpenConns(1)
		spans, err := observability.NewSpanStore(db, cfg.Telemetry.TraceRetention)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		tracesDB = db
		obsConfig.TraceExporter = spans
	}

	if cfg.Telemetry.MetricsInterval > 0 {
		obsConfig.MetricReader = observability.NewLogReader(logger,
			sdkmetric.WithInterval(cfg.Telemetry.MetricsInterval))
	}

	tel, err := observability.Init(ctx, obsConfig)
	if err != nil {
		if tracesDB != nil {
			tracesDB.Close()
		}
		return nil, nil, err
	}

	return tel, func(ctx context.Context) error {
		err := tel.Shutdown(ctx)
		if tracesDB != nil {
			err = errors.Join(err, tracesDB.Close())
		}
		return err
	}, nil
}
