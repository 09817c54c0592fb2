package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/plaenen/counterledger/pkg/api"
	"github.com/plaenen/counterledger/pkg/config"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/sdk"
	"github.com/plaenen/counterledger/pkg/store"
)

// clientURL is the NATS URL a client should dial for cfg.
func clientURL(cfg *config.Config) string {
	if cfg.NATS.Embedded {
		return fmt.Sprintf("nats://%s:%d", cfg.NATS.Host, cfg.NATS.Port)
	}
	return cfg.NATS.URL
}

// withClient connects to the node named by the config and calls fn.
func withClient(cmd *cobra.Command, rootOpts *RootOptions, fn func(context.Context, *sdk.Client) error) error {
	cfg, logger, err := rootOpts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	creds, err := loadCredentials(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	client, err := sdk.NewBuilder().
		WithNATSURL(clientURL(cfg)).
		WithCredentials(creds).
		WithRequestTimeout(cfg.NATS.RequestTimeout).
		WithLogger(logger).
		Build()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer client.Close()

	return fn(cmd.Context(), client)
}

type transitionFunc func(*sdk.Client, context.Context, string) (*api.ReceiptResponse, error)

func newTransitionCommand(rootOpts *RootOptions, use, short string, call transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <caller>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *sdk.Client) error {
				receipt, err := call(c, ctx, args[0])
				if err != nil {
					return err
				}
				return rootOpts.output(cmd.OutOrStdout(), receipt, func(w io.Writer) {
					writeReceipt(w, receipt)
				})
			})
		},
	}
}

// NewIncrementCommand creates the increment command.
func NewIncrementCommand(rootOpts *RootOptions) *cobra.Command {
	return newTransitionCommand(rootOpts, "increment", "Add one to the counter", (*sdk.Client).Increment)
}

// NewDecrementCommand creates the decrement command.
func NewDecrementCommand(rootOpts *RootOptions) *cobra.Command {
	return newTransitionCommand(rootOpts, "decrement", "Subtract one from the counter", (*sdk.Client).Decrement)
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return newTransitionCommand(rootOpts, "reset", "Set the counter to zero", (*sdk.Client).Reset)
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the current counter value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *sdk.Client) error {
				value, err := c.GetCounter(ctx)
				if err != nil {
					return err
				}
				return rootOpts.output(cmd.OutOrStdout(), api.CounterResponse{Value: value}, func(w io.Writer) {
					fmt.Fprintln(w, value)
				})
			})
		},
	}
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	First     int
	Skip      int
	OrderBy   string
	Direction string
	ID        string
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <collection>",
		Short: "List indexed records of a collection",
		Long: `List records of one projection collection: increments, decrements or
resets (the counterIncrements style names work too).

Examples:
  counterd query increments --first 10
  counterd query resets --order-by blockNumber --direction desc
  counterd query decrements --id 0x...00000000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := domain.ParseCollection(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid collection", err)
			}
			return withClient(cmd, rootOpts, func(ctx context.Context, c *sdk.Client) error {
				return runQuery(ctx, cmd.OutOrStdout(), opts, c, collection)
			})
		},
	}

	cmd.Flags().IntVar(&opts.First, "first", 100, "number of records to return")
	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "number of records to skip")
	cmd.Flags().StringVar(&opts.OrderBy, "order-by", string(store.OrderByBlockTimestamp), "blockTimestamp or blockNumber")
	cmd.Flags().StringVar(&opts.Direction, "direction", string(store.Asc), "asc or desc")
	cmd.Flags().StringVar(&opts.ID, "id", "", "look up a single record by id")

	return cmd
}

func runQuery(ctx context.Context, w io.Writer, opts *QueryOptions, c *sdk.Client, collection domain.Collection) error {
	if opts.ID != "" {
		rec, err := c.Record(ctx, collection, opts.ID)
		if err != nil {
			return err
		}
		if rec == nil {
			return WrapExitError(ExitFailure, "record not found", fmt.Errorf("%s %s", collection, opts.ID))
		}
		return opts.output(w, rec, func(w io.Writer) {
			writeRecords(w, []*domain.Record{rec})
		})
	}

	records, err := c.Query(ctx, collection, store.Page{
		First:     opts.First,
		Skip:      opts.Skip,
		OrderBy:   store.OrderField(opts.OrderBy),
		Direction: store.Direction(opts.Direction),
	})
	if err != nil {
		return err
	}
	return opts.output(w, records, func(w io.Writer) {
		writeRecords(w, records)
	})
}

// NewLatestCommand creates the latest command.
func NewLatestCommand(rootOpts *RootOptions) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the newest records of every collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *sdk.Client) error {
				latest, err := c.Latest(ctx, n)
				if err != nil {
					return err
				}
				return rootOpts.output(cmd.OutOrStdout(), latest, func(w io.Writer) {
					for _, c := range []struct {
						collection domain.Collection
						records    []*domain.Record
					}{
						{domain.CollectionIncrements, latest.Increments},
						{domain.CollectionDecrements, latest.Decrements},
						{domain.CollectionResets, latest.Resets},
					} {
						fmt.Fprintf(w, "== %s (%d total)\n", c.collection, latest.Totals[c.collection])
						writeRecords(w, c.records)
					}
				})
			})
		},
	}

	cmd.Flags().IntVarP(&n, "count", "n", 0, "records per collection (0 uses the server default)")

	return cmd
}

func writeReceipt(w io.Writer, r *api.ReceiptResponse) {
	fmt.Fprintf(w, "value: %d\nblock: %d\ntx:    %s\n", r.Value, r.BlockNumber, r.TxHash)
	for _, evt := range r.Events {
		fmt.Fprintf(w, "  #%d %s", evt.Sequence, evt.Kind)
		if evt.NewValue != nil {
			fmt.Fprintf(w, " newValue=%d", *evt.NewValue)
		}
		fmt.Fprintf(w, " id=%s\n", evt.ID)
	}
}

func writeRecords(w io.Writer, records []*domain.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "(no records)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tVALUE\tCALLER\tBLOCK\tTIMESTAMP")
	for _, rec := range records {
		value := "-"
		if rec.NewValue != nil {
			value = fmt.Sprint(*rec.NewValue)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			rec.ID, rec.Kind, value, rec.Caller, rec.BlockNumber, rec.BlockTimestamp)
	}
	tw.Flush()
}
