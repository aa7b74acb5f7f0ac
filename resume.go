package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/proton-drive-sync/internal/sync"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume syncing",
		Long:  `Clear a previous pause. The running daemon claims pending jobs again on its next poll tick.`,
		RunE:  runResume,
	}
}

func runResume(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, cc)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	if _, err := store.EmitSignal(ctx, sync.SignalResumeSync); err != nil {
		return fmt.Errorf("requesting resume: %w", err)
	}

	if err := store.WaitFlag(ctx, sync.PausedFlag, false, sync.SignalWaitTimeout); err != nil {
		statusf(flagQuiet, "Note: no running daemon confirmed the resume — it takes effect on next start\n")
		return nil
	}

	statusf(flagQuiet, "Syncing resumed\n")

	return nil
}
