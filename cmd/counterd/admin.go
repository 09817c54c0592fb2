package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/plaenen/counterledger/pkg/config"
	"github.com/plaenen/counterledger/pkg/indexer"
	"github.com/plaenen/counterledger/pkg/observability"
	"github.com/plaenen/counterledger/pkg/store"
	"github.com/plaenen/counterledger/pkg/store/sqlite"
)

// localIndexer opens the stores named by cfg and builds an indexer over
// them. The returned func closes both databases.
func localIndexer(cfg *config.Config, logger *slog.Logger) (*indexer.Indexer, *sqlite.Projection, func(), error) {
	l, records, err := openStores(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	closeAll := func() {
		records.Close()
		l.Close()
	}

	projection, err := sqlite.NewProjection(cfg.Projection.Name, records)
	if err != nil {
		closeAll()
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to open projection", err)
	}

	ix := indexer.New(l, projection,
		indexer.WithBatchSize(cfg.Projection.BatchSize),
		indexer.WithRetry(cfg.Projection.MaxAttempts, cfg.Projection.RetryBackoff),
		indexer.WithLogger(logger),
	)
	return ix, projection, closeAll, nil
}

// ReindexResult is the output of the reindex command.
type ReindexResult struct {
	Projection string        `json:"projection"`
	Position   int64         `json:"position"`
	Took       time.Duration `json:"took"`
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Drop the projection and rebuild it from the ledger",
		Long: `Drop every projection record and replay the whole event log into the
projection database. Stop the node first; reindex opens the databases
directly.

Examples:
  counterd reindex --config counterd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ix, projection, closeAll, err := localIndexer(cfg, logger)
			if err != nil {
				return err
			}
			defer closeAll()

			ctx := cmd.Context()
			start := time.Now()
			if err := ix.Rebuild(ctx); err != nil {
				return WrapExitError(ExitFailure, "rebuild failed", err)
			}
			position, err := projection.Position(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read checkpoint", err)
			}

			result := ReindexResult{Projection: ix.Name(), Position: position, Took: time.Since(start)}
			return rootOpts.output(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "Rebuilt %s up to sequence %d in %s\n", result.Projection, result.Position, result.Took.Round(time.Millisecond))
			})
		},
	}
}

// DeadLetterView is the printed form of a dead letter.
type DeadLetterView struct {
	ID        string    `json:"id"`
	Sequence  int64     `json:"sequence"`
	EventID   string    `json:"eventId"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeadLettersResult is the output of the dead-letters command.
type DeadLettersResult struct {
	Projection string           `json:"projection"`
	Resolved   int              `json:"resolved"`
	Dismissed  int              `json:"dismissed"`
	Letters    []DeadLetterView `json:"letters"`
}

// NewDeadLettersCommand creates the dead-letters command.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		limit   int
		retry   bool
		resolve []string
	)

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List events the indexer could not map",
		Long: `List unresolved dead letters of the projection. With --retry, map
every dead letter again first and write the ones that now succeed. With
--resolve, mark the given letters as handled without writing a record.

Examples:
  counterd dead-letters
  counterd dead-letters --retry --format json
  counterd dead-letters --resolve 01JA2B3C4D5E6F7G8H9J0KMNPQ`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ix, projection, closeAll, err := localIndexer(cfg, logger)
			if err != nil {
				return err
			}
			defer closeAll()

			ctx := cmd.Context()
			result := DeadLettersResult{Projection: ix.Name(), Letters: []DeadLetterView{}}
			for _, id := range resolve {
				if err := projection.ResolveDeadLetter(ctx, id); err != nil {
					return WrapExitError(ExitFailure, "failed to resolve dead letter", err)
				}
				result.Dismissed++
			}
			if retry {
				if result.Resolved, err = ix.RetryDeadLetters(ctx); err != nil {
					return WrapExitError(ExitFailure, "retry failed", err)
				}
			}

			letters, err := projection.DeadLetters(ctx, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list dead letters", err)
			}
			for _, letter := range letters {
				result.Letters = append(result.Letters, deadLetterView(letter))
			}

			return rootOpts.output(cmd.OutOrStdout(), result, func(w io.Writer) {
				if len(resolve) > 0 {
					fmt.Fprintf(w, "Dismissed %d dead letter(s)\n", result.Dismissed)
				}
				if retry {
					fmt.Fprintf(w, "Resolved %d dead letter(s)\n", result.Resolved)
				}
				if len(result.Letters) == 0 {
					fmt.Fprintln(w, "No unresolved dead letters")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSEQ\tEVENT\tATTEMPTS\tREASON")
				for _, l := range result.Letters {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", l.ID, l.Sequence, l.EventID, l.Attempts, l.Reason)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of letters to list")
	cmd.Flags().BoolVar(&retry, "retry", false, "retry mapping before listing")
	cmd.Flags().StringSliceVar(&resolve, "resolve", nil, "dead letter ids to mark as handled")

	return cmd
}

func deadLetterView(l *store.DeadLetter) DeadLetterView {
	return DeadLetterView{
		ID:        l.ID,
		Sequence:  l.Sequence,
		EventID:   l.EventID,
		Reason:    l.Reason,
		Attempts:  l.Attempts,
		CreatedAt: l.CreatedAt,
	}
}

// TracesOptions holds flags for the traces command.
type TracesOptions struct {
	*RootOptions
	TraceID string
	Name    string
	Limit   int
}

// NewTracesCommand creates the traces command.
func NewTracesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TracesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "traces",
		Short: "Show spans recorded in the traces database",
		Long: `Show the spans a node stored in telemetry.traces_dsn, most recent first.

Examples:
  counterd traces --name counter.v1.increment
  counterd traces --trace 4bf92f3577b34da6a3ce929d0e0e4736 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Telemetry.TracesDSN == "" {
				return WrapExitError(ExitCommandError, "telemetry.traces_dsn is not set", nil)
			}

			db, err := sql.Open("sqlite", cfg.Telemetry.TracesDSN)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open traces database", err)
			}
			defer db.Close()
			spans, err := observability.NewSpanStore(db, 0)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open traces database", err)
			}

			found, err := spans.Spans(cmd.Context(), observability.SpanQuery{
				TraceID: opts.TraceID,
				Name:    opts.Name,
				Limit:   opts.Limit,
			})
			if err != nil {
				return WrapExitError(ExitFailure, "failed to query spans", err)
			}
			if found == nil {
				found = []observability.StoredSpan{}
			}

			return opts.output(cmd.OutOrStdout(), found, func(w io.Writer) {
				if len(found) == 0 {
					fmt.Fprintln(w, "No spans found")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "START\tTRACE\tSPAN\tNAME\tDURATION\tSTATUS")
				for _, s := range found {
					status := "ok"
					if s.Error {
						status = "error: " + s.Message
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						s.Start.Format(time.RFC3339Nano), s.TraceID, s.SpanID, s.Name, s.Duration, status)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&opts.TraceID, "trace", "", "only spans of this trace id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "only spans with this name")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of spans")

	return cmd
}
