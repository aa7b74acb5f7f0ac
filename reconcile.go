package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/proton-drive-sync/internal/sync"
)

func newReconcileCmd() *cobra.Command {
	var allowBigDelete bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Trigger a full re-scan of every sync-dir",
		Long: `Ask the running daemon to re-scan every sync-dir from scratch and
enqueue whatever differs. Useful after restoring files from a backup or
when the live watch may have missed events.

With --allow-big-delete, a deletion batch previously held back by
big-delete protection is confirmed and allowed through once.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd, allowBigDelete)
		},
	}

	cmd.Flags().BoolVar(&allowBigDelete, "allow-big-delete", false, "confirm a held-back mass deletion for this scan")

	return cmd
}

func runReconcile(cmd *cobra.Command, allowBigDelete bool) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, cc)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	// The force signal's listener reconciles on its own after arming the
	// one-shot confirmation, so the two signals are mutually exclusive.
	signal := sync.SignalReconcile
	if allowBigDelete {
		signal = sync.SignalForceBigDelete
	}

	id, err := store.EmitSignal(ctx, signal)
	if err != nil {
		return fmt.Errorf("requesting reconciliation: %w", err)
	}

	if err := store.WaitSignalConsumed(ctx, id, sync.SignalWaitTimeout); err != nil {
		statusf(flagQuiet, "Note: no running daemon picked up the request yet — it runs on next start\n")
		return nil
	}

	statusf(flagQuiet, "Reconciliation started\n")

	return nil
}
