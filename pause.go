package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/proton-drive-sync/internal/sync"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause syncing",
		Long: `Pause the running daemon: no new jobs are claimed until resume.
In-flight uploads complete normally. The pause lasts until resumed or
until the daemon shuts down gracefully, which clears it.`,
		RunE: runPause,
	}
}

func runPause(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, cc)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	if _, err := store.EmitSignal(ctx, sync.SignalPauseSync); err != nil {
		return fmt.Errorf("requesting pause: %w", err)
	}

	// Wait for the daemon to acknowledge by setting the flag; a timeout just
	// means no daemon is running — the signal is consumed on its next start.
	if err := store.WaitFlag(ctx, sync.PausedFlag, true, sync.SignalWaitTimeout); err != nil {
		statusf(flagQuiet, "Note: no running daemon confirmed the pause — it takes effect on next start\n")
		return nil
	}

	statusf(flagQuiet, "Syncing paused\n")

	return nil
}
