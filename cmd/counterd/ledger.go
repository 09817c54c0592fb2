package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/plaenen/counterledger/pkg/config"
	"github.com/plaenen/counterledger/pkg/domain"
	"github.com/plaenen/counterledger/pkg/store/sqlite"
)

func openLedger(cfg *config.Config, logger *slog.Logger) (*sqlite.Ledger, error) {
	l, err := sqlite.NewLedger(
		sqlite.WithDSN(cfg.Ledger.DSN),
		sqlite.WithWALMode(cfg.Ledger.WALMode),
		sqlite.WithConfirmations(cfg.Ledger.Confirmations),
		sqlite.WithChainID(cfg.Ledger.ChainID),
		sqlite.WithLogger(logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	return l, nil
}

// withLedger loads the config and opens the ledger database for fn.
func withLedger(cmd *cobra.Command, rootOpts *RootOptions, fn func(l *sqlite.Ledger) error) error {
	cfg, logger, err := rootOpts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	l, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}

// MineResult is the output of the mine command.
type MineResult struct {
	Head      uint64 `json:"head"`
	Finalized uint64 `json:"finalized"`
}

// NewMineCommand creates the mine command.
func NewMineCommand(rootOpts *RootOptions) *cobra.Command {
	var blocks int

	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Append empty blocks to the ledger",
		Long: `Append empty blocks so that pending events reach the configured
confirmation depth without another transition.

Examples:
  counterd mine -n 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if blocks < 1 {
				return WrapExitError(ExitCommandError, "--blocks must be at least 1", nil)
			}
			return withLedger(cmd, rootOpts, func(l *sqlite.Ledger) error {
				ctx := cmd.Context()
				if _, err := l.Mine(ctx, blocks); err != nil {
					return WrapExitError(ExitFailure, "failed to mine", err)
				}
				head, err := l.Head(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read head", err)
				}

				result := MineResult{Head: head.LatestBlock, Finalized: head.FinalizedBlock}
				return rootOpts.output(cmd.OutOrStdout(), result, func(w io.Writer) {
					fmt.Fprintf(w, "Head at block %d, finalized through %d\n", result.Head, result.Finalized)
				})
			})
		},
	}

	cmd.Flags().IntVarP(&blocks, "blocks", "n", 1, "number of blocks to append")

	return cmd
}

// VerifyResult is the output of the verify command.
type VerifyResult struct {
	Value      uint64 `json:"value"`
	Replayed   uint64 `json:"replayed"`
	Events     int64  `json:"events"`
	Consistent bool   `json:"consistent"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the stored counter against a replay of the event log",
		Long: `Fold every event of the ledger log, finalized or not, and compare the
result with the stored counter value. Exits with status 1 on a mismatch.

Examples:
  counterd verify --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, rootOpts, func(l *sqlite.Ledger) error {
				ctx := cmd.Context()
				value, err := l.GetCounter(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read counter", err)
				}
				replayed, err := l.ReplayState(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to replay log", err)
				}
				head, err := l.Head(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read head", err)
				}

				result := VerifyResult{
					Value:      value,
					Replayed:   replayed.Value,
					Events:     head.LatestSequence,
					Consistent: value == replayed.Value,
				}
				if err := rootOpts.output(cmd.OutOrStdout(), result, func(w io.Writer) {
					if result.Consistent {
						fmt.Fprintf(w, "OK: %d events replay to %d\n", result.Events, result.Replayed)
						return
					}
					fmt.Fprintf(w, "MISMATCH: stored %d, %d events replay to %d\n", result.Value, result.Events, result.Replayed)
				}); err != nil {
					return err
				}
				if !result.Consistent {
					return WrapExitError(ExitFailure, "counter does not match the event log", nil)
				}
				return nil
			})
		},
	}
}

// EventView is the printed form of a ledger event.
type EventView struct {
	ID             string           `json:"id"`
	Sequence       int64            `json:"sequence"`
	Kind           domain.EventKind `json:"kind"`
	NewValue       *uint64          `json:"newValue,omitempty"`
	Caller         string           `json:"caller"`
	BlockNumber    uint64           `json:"blockNumber"`
	BlockTimestamp int64            `json:"blockTimestamp"`
	TxHash         string           `json:"transactionHash"`
	LogIndex       uint32           `json:"logIndex"`
	Finalized      bool             `json:"finalized"`
}

// NewEventCommand creates the event command.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "event <id>",
		Short: "Look up a ledger event by its record id",
		Long: `Look up the ledger event behind a projection record or dead letter. The
id is the transaction hash followed by the log index, as stored in every
record.

Examples:
  counterd event 0x5c50...e4a100000000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txHash, logIndex, err := domain.SplitEventID(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid event id", err)
			}
			return withLedger(cmd, rootOpts, func(l *sqlite.Ledger) error {
				ctx := cmd.Context()
				events, err := l.EventsByTxHash(ctx, txHash)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load events", err)
				}
				var evt *domain.Event
				for _, e := range events {
					if e.LogIndex == logIndex {
						evt = e
						break
					}
				}
				if evt == nil {
					return WrapExitError(ExitFailure, fmt.Sprintf("event %s not found", args[0]), nil)
				}
				head, err := l.Head(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read head", err)
				}

				view := EventView{
					ID:             evt.ID(),
					Sequence:       evt.Sequence,
					Kind:           evt.Kind,
					BlockNumber:    evt.BlockNumber,
					BlockTimestamp: evt.BlockTimestamp,
					TxHash:         evt.TxHash,
					LogIndex:       evt.LogIndex,
					Finalized:      evt.BlockNumber <= head.FinalizedBlock,
				}
				if p, err := evt.Params(); err == nil {
					view.NewValue = p.NewValue
					view.Caller = p.Caller
				}

				return rootOpts.output(cmd.OutOrStdout(), view, func(w io.Writer) {
					fmt.Fprintf(w, "%s #%d in block %d (finalized: %t)\n", view.Kind, view.Sequence, view.BlockNumber, view.Finalized)
					if view.NewValue != nil {
						fmt.Fprintf(w, "  newValue: %d\n", *view.NewValue)
					}
					fmt.Fprintf(w, "  caller:   %s\n", view.Caller)
					fmt.Fprintf(w, "  tx:       %s/%d\n", view.TxHash, view.LogIndex)
				})
			})
		},
	}
}
