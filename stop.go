package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/proton-drive-sync/internal/sync"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Long:  `Request a graceful shutdown: in-flight uploads get a short grace period, then the daemon exits and releases its run-lock.`,
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, cc)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	pid, err := store.RunningPID(ctx)
	if err != nil {
		return fmt.Errorf("checking daemon state: %w", err)
	}

	if pid == 0 {
		statusf(flagQuiet, "No daemon is running\n")
		return nil
	}

	id, err := store.EmitSignal(ctx, sync.SignalStop)
	if err != nil {
		return fmt.Errorf("requesting stop: %w", err)
	}

	if err := store.WaitSignalConsumed(ctx, id, sync.SignalWaitTimeout); err != nil {
		statusf(flagQuiet, "Note: daemon (PID %d) did not confirm the stop within the timeout\n", pid)
		return nil
	}

	statusf(flagQuiet, "Daemon (PID %d) stopping\n", pid)

	return nil
}
