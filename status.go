package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/proton-drive-sync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and job-queue status",
		Long: `Display whether a daemon is running, whether syncing is paused, and
the job queue's counts per status. Failed (blocked) jobs are listed with
their last error.`,
		RunE: runStatus,
	}
}

// statusReport is the JSON shape for --json output.
type statusReport struct {
	Running          bool              `json:"running"`
	PID              int               `json:"pid,omitempty"`
	Paused           bool              `json:"paused"`
	BigDeletePending bool              `json:"big_delete_pending"`
	JobCounts        map[string]int    `json:"job_counts"`
	FailedJobs       []statusFailedJob `json:"failed_jobs,omitempty"`
}

type statusFailedJob struct {
	ID        int64  `json:"id"`
	LocalPath string `json:"local_path"`
	EventType string `json:"event_type"`
	LastError string `json:"last_error"`
	CreatedAt string `json:"created_at"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, cc)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	queue := sync.NewQueue(store, nil)

	pid, err := store.RunningPID(ctx)
	if err != nil {
		return fmt.Errorf("reading daemon state: %w", err)
	}

	paused, err := store.IsPaused(ctx)
	if err != nil {
		return fmt.Errorf("reading pause state: %w", err)
	}

	bigDeletePending, err := store.HasFlag(ctx, sync.BigDeletePendingFlag)
	if err != nil {
		return fmt.Errorf("reading big-delete state: %w", err)
	}

	counts, err := queue.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}

	blocked, err := queue.ListBlocked(ctx)
	if err != nil {
		return fmt.Errorf("listing failed jobs: %w", err)
	}

	report := statusReport{
		Running:          pid != 0,
		PID:              pid,
		Paused:           paused,
		BigDeletePending: bigDeletePending,
		JobCounts:        make(map[string]int, len(counts)),
	}

	for status, n := range counts {
		report.JobCounts[string(status)] = n
	}

	for _, j := range blocked {
		report.FailedJobs = append(report.FailedJobs, statusFailedJob{
			ID:        j.ID,
			LocalPath: j.LocalPath,
			EventType: string(j.EventType),
			LastError: j.LastError,
			CreatedAt: j.CreatedAt.Format(time.RFC3339),
		})
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatusText(report, blocked)

	return nil
}

func printStatusText(report statusReport, blocked []*sync.SyncJob) {
	if report.Running {
		state := "running"
		if report.Paused {
			state = "paused"
		}

		fmt.Printf("Daemon: %s (PID %d)\n", state, report.PID)
	} else {
		fmt.Println("Daemon: not running")
	}

	if report.BigDeletePending {
		fmt.Println("WARNING: a mass deletion was held back by big-delete protection.")
		fmt.Println("Run 'proton-drive-sync reconcile --allow-big-delete' to confirm it.")
	}

	fmt.Printf("Jobs: %d pending, %d processing, %d synced, %d failed\n",
		report.JobCounts[string(sync.StatusPending)],
		report.JobCounts[string(sync.StatusProcessing)],
		report.JobCounts[string(sync.StatusSynced)],
		report.JobCounts[string(sync.StatusBlocked)],
	)

	if len(blocked) == 0 {
		return
	}

	fmt.Println("\nFailed:")

	rows := make([][]string, 0, len(blocked))
	for _, j := range blocked {
		rows = append(rows, []string{
			fmt.Sprintf("%d", j.ID),
			j.LocalPath,
			string(j.EventType),
			humanize.Time(j.CreatedAt),
			truncate(j.LastError, 60),
		})
	}

	printTable(os.Stdout, []string{"ID", "PATH", "TYPE", "AGE", "ERROR"}, rows)

	if stdoutIsTerminal() {
		fmt.Println("\nUse 'proton-drive-sync reset <id>' to retry a failed job.")
	}
}
