package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/proton-drive-sync/internal/sync"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <job-id>",
		Short: "Clear a failed job and trigger reconciliation",
		Long: `Remove a failed (blocked) job so the next reconciliation scan can
re-enqueue the path fresh. A reconciliation request is sent automatically.`,
		Args: cobra.ExactArgs(1),
		RunE: runReset,
	}
}

func runReset(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}

	store, err := openStore(ctx, cc)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	queue := sync.NewQueue(store, nil)

	job, err := queue.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("job %d not found: %w", id, err)
	}

	if err := queue.ResetJob(ctx, id); err != nil {
		return fmt.Errorf("resetting job: %w", err)
	}

	if _, err := store.EmitSignal(ctx, sync.SignalReconcile); err != nil {
		return fmt.Errorf("requesting reconciliation: %w", err)
	}

	statusf(flagQuiet, "Job %d (%s) cleared; reconciliation requested\n", id, job.LocalPath)

	return nil
}
