package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Options carries the engine's effective settings, mapped from the loaded
// config by the caller. The engine never reads the config file itself.
type Options struct {
	SyncDirs        []SyncDir
	ExcludePatterns []ExcludePattern
	Concurrency     int
	PermanentDelete bool
	SnapshotDir     string
}

// Engine owns the daemon's lifecycle: run-lock, watcher subscriptions, the
// signal and job polling loops, and graceful shutdown. Everything durable
// lives in the Store; the engine is wiring.
type Engine struct {
	store      *Store
	queue      *Queue
	classifier *Classifier
	watcher    *Watcher
	processor  *Processor
	poller     *SignalPoller
	events     *EventBroadcaster
	logger     *slog.Logger

	safety BigDeleteThresholds

	// overrideMu guards allowBigDelete, a one-shot confirmation armed by the
	// force-big-delete signal and consumed by the next tripping batch.
	overrideMu     sync.Mutex
	allowBigDelete bool

	pid    int
	cancel context.CancelFunc
}

// NewEngine assembles the daemon components around store and client.
func NewEngine(store *Store, client RemoteClient, opts Options, logger *slog.Logger) *Engine {
	events := NewEventBroadcaster()
	queue := NewQueue(store, events)
	classifier := NewClassifier(store, queue, opts.SyncDirs, opts.ExcludePatterns, logger)
	processor := NewProcessor(store, queue, client, opts.Concurrency, opts.PermanentDelete, logger)
	poller := NewSignalPoller(store, logger)

	e := &Engine{
		store:      store,
		queue:      queue,
		classifier: classifier,
		processor:  processor,
		poller:     poller,
		events:     events,
		logger:     logger,
		safety:     DefaultBigDeleteThresholds(),
		pid:        os.Getpid(),
	}

	e.watcher = NewWatcher(e.handleBatch, opts.SnapshotDir, logger)

	return e
}

// Queue exposes the job queue for status readers.
func (e *Engine) Queue() *Queue { return e.queue }

// Events exposes the broadcaster for observers.
func (e *Engine) Events() *EventBroadcaster { return e.events }

// Signals exposes the poller so the caller can register extra listeners
// (config reload lives with whoever loaded the config).
func (e *Engine) Signals() *SignalPoller { return e.poller }

// handleBatch feeds a watcher batch through the classifier, one transaction
// per event. A failed event is logged and skipped; the batch never fails as
// a whole. Deletions are gated by big-delete protection first: a batch that
// plans more deletes than the thresholds allow has them held back until the
// operator confirms, while its creates and updates still go through.
func (e *Engine) handleBatch(ctx context.Context, batch []FileChange) {
	skipDeletes := e.holdBackBigDelete(ctx, batch)

	for _, ev := range batch {
		if skipDeletes && !ev.Exists {
			continue
		}

		if err := e.classifier.HandleChange(ctx, ev); err != nil {
			e.logger.Warn("classifying change failed",
				slog.String("name", ev.Name),
				slog.Any("error", err),
			)
		}
	}
}

// holdBackBigDelete reports whether this batch's deletions must be skipped.
// Scan-derived mass deletions arrive as a single batch, so the batch is the
// unit the thresholds measure.
func (e *Engine) holdBackBigDelete(ctx context.Context, batch []FileChange) bool {
	deletes := 0

	for _, ev := range batch {
		if !ev.Exists {
			deletes++
		}
	}

	if deletes == 0 {
		return false
	}

	baseline, err := e.store.CountFileState(ctx)
	if err != nil {
		e.logger.Warn("reading baseline for big-delete check failed, holding deletes back", slog.Any("error", err))
		return true
	}

	if !bigDeleteTriggered(deletes, baseline, e.safety) {
		return false
	}

	if e.consumeBigDeleteOverride() {
		e.logger.Info("big delete confirmed by operator, proceeding",
			slog.Int("delete_count", deletes),
			slog.Int("baseline_count", baseline),
		)

		return false
	}

	e.logger.Warn("big-delete protection triggered, holding deletions back",
		slog.Int("delete_count", deletes),
		slog.Int("baseline_count", baseline),
		slog.Int("max_count", e.safety.MaxCount),
		slog.Float64("max_percent", e.safety.MaxPercent),
		slog.String("error", ErrBigDeleteTriggered.Error()),
	)

	if err := e.store.SetFlag(ctx, BigDeletePendingFlag); err != nil {
		e.logger.Error("setting big-delete flag failed", slog.Any("error", err))
	}

	return true
}

// consumeBigDeleteOverride takes the one-shot confirmation if armed.
func (e *Engine) consumeBigDeleteOverride() bool {
	e.overrideMu.Lock()
	defer e.overrideMu.Unlock()

	allowed := e.allowBigDelete
	e.allowBigDelete = false

	return allowed
}

// Run starts the daemon and blocks until ctx is canceled, a stop signal
// arrives, or a component fails fatally. The run-lock is held for the
// duration; PAUSED and the lock are cleared on the way out.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.store.AcquireRunLock(ctx, e.pid); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.registerListeners()

	for _, d := range e.classifier.SyncDirs() {
		if err := e.watcher.AddSyncDir(runCtx, d.SourcePath); err != nil {
			cancel()
			e.releaseLock()

			return fmt.Errorf("sync: watching %s: %w", d.SourcePath, err)
		}
	}

	e.logger.Info("daemon started",
		slog.Int("pid", e.pid),
		slog.Int("sync_dirs", len(e.classifier.SyncDirs())),
	)

	g, loopCtx := errgroup.WithContext(runCtx)

	g.Go(func() error { return e.poller.Run(loopCtx) })
	g.Go(func() error { return e.processor.Run(loopCtx) })

	err := g.Wait()

	e.watcher.Shutdown()
	e.processor.Shutdown()
	e.events.Close()
	e.releaseLock()

	e.logger.Info("daemon stopped", slog.Int("pid", e.pid))

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Stop requests a graceful shutdown.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) releaseLock() {
	// A fresh context: the run context is already canceled by now.
	if err := e.store.ReleaseRunLock(context.Background(), e.pid); err != nil {
		e.logger.Error("releasing run lock failed", slog.Any("error", err))
	}
}

// registerListeners wires the built-in signal handlers.
func (e *Engine) registerListeners() {
	e.poller.On(SignalStop, func(_ context.Context, _ string) {
		e.logger.Info("stop signal received")
		e.Stop()
	})

	e.poller.On(SignalPauseSync, func(ctx context.Context, _ string) {
		if err := e.store.SetFlag(ctx, PausedFlag); err != nil {
			e.logger.Error("setting paused flag failed", slog.Any("error", err))
			return
		}

		e.logger.Info("sync paused")
	})

	e.poller.On(SignalResumeSync, func(ctx context.Context, _ string) {
		if err := e.store.ClearFlag(ctx, PausedFlag); err != nil {
			e.logger.Error("clearing paused flag failed", slog.Any("error", err))
			return
		}

		e.logger.Info("sync resumed")
	})

	e.poller.On(SignalReconcile, func(ctx context.Context, _ string) {
		e.logger.Info("reconciliation requested")
		e.watcher.Reconcile(ctx)
	})

	e.poller.On(SignalForceBigDelete, func(ctx context.Context, _ string) {
		e.logger.Warn("operator confirmed pending big delete")

		e.overrideMu.Lock()
		e.allowBigDelete = true
		e.overrideMu.Unlock()

		if err := e.store.ClearFlag(ctx, BigDeletePendingFlag); err != nil {
			e.logger.Error("clearing big-delete flag failed", slog.Any("error", err))
		}

		// Regenerate the held-back deletions; the armed override lets the
		// resulting batch through once.
		e.watcher.Reconcile(ctx)
	})

	e.poller.OnPrefix(SignalReloadPrefix, func(_ context.Context, name string) {
		// The caller that loaded the new config registers the handlers that
		// push values through the Apply* setters; this one just records the
		// change for keys nothing in-process consumes.
		e.logger.Info("config key reloaded",
			slog.String("key", strings.TrimPrefix(name, SignalReloadPrefix)))
	})
}

// ApplyConcurrency resizes the worker pool (sync_concurrency reload).
func (e *Engine) ApplyConcurrency(n int) {
	e.processor.SetConcurrency(n)
}

// ApplyDeleteBehavior switches trash/permanent deletion.
func (e *Engine) ApplyDeleteBehavior(permanent bool) {
	e.processor.SetPermanentDelete(permanent)
}

// ApplyExcludePatterns replaces the exclusion set and clears the glob cache.
func (e *Engine) ApplyExcludePatterns(patterns []ExcludePattern) {
	e.classifier.SetExcludePatterns(patterns)
}

// ApplySyncDirs swaps the active sync-dir set: stale watches are torn down,
// orphaned FileState/NodeMapping rows are removed, new dirs start watching,
// and a reconciliation pass runs over the survivors.
func (e *Engine) ApplySyncDirs(ctx context.Context, dirs []SyncDir) error {
	old := e.classifier.SyncDirs()
	e.classifier.SetSyncDirs(dirs)

	keep := make(map[string]struct{}, len(dirs))
	roots := make([]string, 0, len(dirs))

	for _, d := range dirs {
		root := strings.TrimSuffix(d.SourcePath, "/")
		keep[root] = struct{}{}
		roots = append(roots, root)
	}

	for _, d := range old {
		root := strings.TrimSuffix(d.SourcePath, "/")
		if _, ok := keep[root]; !ok {
			e.watcher.RemoveSyncDir(d.SourcePath)
		}
	}

	removedFS, removedNM, err := OrphanCleanup(ctx, e.store, roots)
	if err != nil {
		return err
	}

	if removedFS+removedNM > 0 {
		e.logger.Info("orphan cleanup",
			slog.Int("file_state_removed", removedFS),
			slog.Int("node_mappings_removed", removedNM),
		)
	}

	for _, d := range dirs {
		if err := e.watcher.AddSyncDir(ctx, d.SourcePath); err != nil {
			e.logger.Warn("watching new sync-dir failed",
				slog.String("source_path", d.SourcePath),
				slog.Any("error", err),
			)
		}
	}

	e.watcher.Reconcile(ctx)

	return nil
}

// ScanOnce delivers a startup scan for every configured sync-dir without
// starting live subscriptions. One-shot mode runs this before DrainQueue.
func (e *Engine) ScanOnce(_ context.Context) error {
	for _, d := range e.classifier.SyncDirs() {
		if err := e.watcher.ScanRoot(d.SourcePath); err != nil {
			return fmt.Errorf("sync: scanning %s: %w", d.SourcePath, err)
		}
	}

	return nil
}

// DrainQueue runs the processor until no eligible work remains. One-shot
// mode uses this instead of Run.
func (e *Engine) DrainQueue(ctx context.Context) error {
	return e.processor.DrainQueue(ctx)
}

// WaitForActiveTasks blocks until in-flight workers finish.
func (e *Engine) WaitForActiveTasks() {
	e.processor.WaitForActiveTasks()
}
