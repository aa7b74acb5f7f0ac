package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Processor timing and sizing constants.
const (
	DefaultSyncConcurrency = 4
	JobPollInterval        = 2 * time.Second
	ShutdownTimeout        = 2 * time.Second

	// maxRecordedErrors caps in-memory failure detail per daemon run; beyond
	// it only a counter advances, so weeks of sustained failure cannot grow
	// the heap.
	maxRecordedErrors = 1000
)

// RemoteNode is the identity the remote service assigns to a created or
// updated node.
type RemoteNode struct {
	NodeUID       string
	ParentNodeUID string
}

// RemoteClient is the processor's view of the remote storage service. The
// implementation must be safe for concurrent use; every worker shares one
// instance. Uploads stream from disk, so localPath is passed rather than an
// open reader.
type RemoteClient interface {
	UploadFile(ctx context.Context, localPath, remotePath string) (RemoteNode, error)
	CreateFolder(ctx context.Context, remotePath string) (RemoteNode, error)
	// Delete removes remotePath, trashing by default or permanently when
	// permanent is set. existed reports whether the node was present.
	Delete(ctx context.Context, remotePath string, permanent bool) (existed bool, err error)
}

// WorkerError is one retained failure detail for diagnostics.
type WorkerError struct {
	LocalPath string
	Category  ErrorCategory
	Message   string
	At        time.Time
}

// Processor claims eligible jobs and executes them against the remote client
// with a bounded, runtime-resizable worker pool.
type Processor struct {
	store  *Store
	queue  *Queue
	client RemoteClient
	logger *slog.Logger

	mu              sync.Mutex
	sem             *semaphore.Weighted
	concurrency     int
	permanentDelete bool

	wg sync.WaitGroup

	errsMu   sync.Mutex
	recorded []WorkerError
	dropped  int
}

// NewProcessor builds a Processor. concurrency <= 0 selects the default.
func NewProcessor(store *Store, queue *Queue, client RemoteClient, concurrency int, permanentDelete bool, logger *slog.Logger) *Processor {
	if concurrency <= 0 {
		concurrency = DefaultSyncConcurrency
	}

	return &Processor{
		store:           store,
		queue:           queue,
		client:          client,
		logger:          logger,
		sem:             semaphore.NewWeighted(int64(concurrency)),
		concurrency:     concurrency,
		permanentDelete: permanentDelete,
	}
}

// SetConcurrency resizes the worker pool. In-flight workers finish against
// the semaphore they acquired; new claims go through the replacement.
func (p *Processor) SetConcurrency(n int) {
	if n <= 0 {
		n = DefaultSyncConcurrency
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if n == p.concurrency {
		return
	}

	p.logger.Info("resizing worker pool", slog.Int("from", p.concurrency), slog.Int("to", n))
	p.sem = semaphore.NewWeighted(int64(n))
	p.concurrency = n
}

// SetPermanentDelete switches DELETE jobs between trash and permanent
// removal (remote_delete_behavior config reload).
func (p *Processor) SetPermanentDelete(permanent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.permanentDelete = permanent
}

func (p *Processor) deleteBehavior() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.permanentDelete
}

// ProcessAvailableJobs claims and spawns workers for every eligible job up
// to the concurrency limit. Returns the number of workers spawned. When the
// PAUSED flag is set it returns immediately without claiming; in-flight
// workers are unaffected.
func (p *Processor) ProcessAvailableJobs(ctx context.Context) (int, error) {
	paused, err := p.store.IsPaused(ctx)
	if err != nil {
		return 0, err
	}

	if paused {
		return 0, nil
	}

	spawned := 0

	for {
		p.mu.Lock()
		sem := p.sem
		p.mu.Unlock()

		if !sem.TryAcquire(1) {
			return spawned, nil
		}

		job, err := p.queue.ClaimNextPendingJob(ctx)
		if err != nil {
			sem.Release(1)
			return spawned, err
		}

		if job == nil {
			sem.Release(1)
			return spawned, nil
		}

		spawned++

		p.wg.Add(1)

		go func() {
			defer p.wg.Done()
			defer sem.Release(1)

			p.runWorker(ctx, job)
		}()
	}
}

// Run polls for eligible jobs until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(JobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if _, err := p.ProcessAvailableJobs(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("job processing pass failed", slog.Any("error", err))
			}
		}
	}
}

// WaitForActiveTasks blocks until every in-flight worker has finished.
func (p *Processor) WaitForActiveTasks() {
	p.wg.Wait()
}

// DrainQueue loops until a claim pass spawns nothing and no workers remain.
// Used by one-shot mode and tests.
func (p *Processor) DrainQueue(ctx context.Context) error {
	for {
		spawned, err := p.ProcessAvailableJobs(ctx)
		if err != nil {
			return err
		}

		p.wg.Wait()

		if spawned == 0 {
			return nil
		}
	}
}

// Shutdown waits up to ShutdownTimeout for in-flight workers, then abandons
// them; their ProcessingClaims age out and the jobs are reclaimed on a later
// run.
func (p *Processor) Shutdown() {
	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		p.logger.Warn("shutdown timeout, abandoning in-flight tasks",
			slog.Duration("timeout", ShutdownTimeout))
	}
}

// runWorker executes one claimed job. Panics are contained here so a single
// bad job cannot take down the pool.
func (p *Processor) runWorker(ctx context.Context, job *SyncJob) {
	taskID := uuid.NewString()

	logger := p.logger.With(
		slog.String("task_id", taskID),
		slog.Int64("job_id", job.ID),
		slog.String("event_type", string(job.EventType)),
		slog.String("local_path", job.LocalPath),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic", slog.Any("panic", r))
			p.handleFailure(ctx, job, fmt.Errorf("worker panic: %v", r), logger)
		}
	}()

	logger.Debug("worker started")

	if err := p.dispatch(ctx, job); err != nil {
		p.handleFailure(ctx, job, err, logger)
		return
	}

	logger.Debug("worker finished")
}

// dispatch executes the job's remote operation and records its outcome.
func (p *Processor) dispatch(ctx context.Context, job *SyncJob) error {
	switch job.EventType {
	case EventCreateFile, EventUpdate:
		node, err := p.client.UploadFile(ctx, job.LocalPath, job.RemotePath)
		if err != nil {
			return err
		}

		return p.completeCreate(ctx, job, node, false)

	case EventCreateDir:
		node, err := p.client.CreateFolder(ctx, job.RemotePath)
		if err != nil {
			return err
		}

		return p.completeCreate(ctx, job, node, true)

	case EventDelete:
		existed, err := p.client.Delete(ctx, job.RemotePath, p.deleteBehavior())
		if err != nil {
			return err
		}

		if !existed {
			p.logger.Debug("remote node already absent", slog.String("remote_path", job.RemotePath))
		}

		// FileState and NodeMapping were cleared at classification time.
		return p.queue.MarkSynced(ctx, job.ID, job.LocalPath)

	default:
		return fmt.Errorf("sync: unknown event type %q", job.EventType)
	}
}

// completeCreate commits the success state of a CREATE_*/UPDATE job in one
// transaction: FileState token, NodeMapping identity, and the SYNCED
// transition.
func (p *Processor) completeCreate(ctx context.Context, job *SyncJob, node RemoteNode, isDir bool) error {
	err := p.store.withTx(ctx, func(tx *sql.Tx) error {
		if err := putFileState(ctx, tx, job.LocalPath, job.ChangeToken); err != nil {
			return err
		}

		if err := putNodeMapping(ctx, tx, job.LocalPath, job.RemotePath, node.NodeUID, node.ParentNodeUID, isDir); err != nil {
			return err
		}

		return p.queue.markSyncedTx(ctx, tx, job.ID, job.LocalPath)
	})
	if err != nil {
		return err
	}

	p.queue.publish(JobEvent{Type: JobEventSynced, JobID: job.ID, LocalPath: job.LocalPath, RemotePath: job.RemotePath})

	return nil
}

// handleFailure classifies err and applies the category's policy: retry,
// block, or the draft-recovery path.
func (p *Processor) handleFailure(ctx context.Context, job *SyncJob, cause error, logger *slog.Logger) {
	cat := ClassifyError(cause)
	p.recordError(job.LocalPath, cat, cause)

	logger.Warn("job failed",
		slog.String("category", string(cat)),
		slog.Int("n_retries", job.NRetries),
		slog.Any("error", cause),
	)

	var err error

	switch {
	case cat == CategoryAuth:
		err = p.queue.MarkBlocked(ctx, job.ID, job.LocalPath, cause)

	case cat == CategoryNetwork:
		// Never blocks; the retry counter clamps instead.
		err = p.queue.ScheduleRetry(ctx, job.ID, job.LocalPath, job.NRetries, cat, cause)

	case cat == CategoryReuploadNeeded && job.NRetries+1 >= ReuploadMaxRetries:
		err = p.recoverDraft(ctx, job, cause, logger)

	case cat != CategoryNetwork && exhausted(cat, job.NRetries):
		err = p.queue.MarkBlocked(ctx, job.ID, job.LocalPath, cause)

	default:
		err = p.queue.ScheduleRetry(ctx, job.ID, job.LocalPath, job.NRetries, cat, cause)
	}

	if err != nil {
		logger.Error("recording job failure failed", slog.Any("error", err))
	}
}

// exhausted reports whether this failure consumed the category's last
// allowed attempt.
func exhausted(cat ErrorCategory, nRetries int) bool {
	max := MaxRetries(cat)
	if max < 0 {
		return false
	}

	return nRetries+1 >= max
}

// recoverDraft is the REUPLOAD_NEEDED exhaustion path: delete the stuck
// remote node, then recreate it. Recreate success marks the job SYNCED;
// anything else reschedules.
func (p *Processor) recoverDraft(ctx context.Context, job *SyncJob, cause error, logger *slog.Logger) error {
	logger.Info("draft recovery: deleting and recreating remote node")

	if _, err := p.client.Delete(ctx, job.RemotePath, p.deleteBehavior()); err != nil {
		logger.Warn("draft recovery delete failed", slog.Any("error", err))
		return p.queue.ScheduleRetry(ctx, job.ID, job.LocalPath, job.NRetries, CategoryReuploadNeeded, cause)
	}

	node, err := p.client.UploadFile(ctx, job.LocalPath, job.RemotePath)
	if err != nil {
		logger.Warn("draft recovery recreate failed", slog.Any("error", err))
		return p.queue.ScheduleRetry(ctx, job.ID, job.LocalPath, job.NRetries, CategoryReuploadNeeded, cause)
	}

	return p.completeCreate(ctx, job, node, job.EventType == EventCreateDir)
}

// recordError retains bounded failure detail for diagnostics.
func (p *Processor) recordError(localPath string, cat ErrorCategory, cause error) {
	p.errsMu.Lock()
	defer p.errsMu.Unlock()

	if len(p.recorded) >= maxRecordedErrors {
		p.dropped++
		return
	}

	p.recorded = append(p.recorded, WorkerError{
		LocalPath: localPath,
		Category:  cat,
		Message:   cause.Error(),
		At:        time.Now(),
	})
}

// RecordedErrors returns the retained failure details plus how many more
// were dropped past the retention cap.
func (p *Processor) RecordedErrors() ([]WorkerError, int) {
	p.errsMu.Lock()
	defer p.errsMu.Unlock()

	return append([]WorkerError(nil), p.recorded...), p.dropped
}
