package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher timing constants.
const (
	WatcherDebounceMs   = 200
	safetyScanInterval  = 5 * time.Minute
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// ErrNosyncGuard is returned when a .nosync guard file is found at a scan
// root. This prevents scanning against an empty or unmounted volume, which
// would read every previously-seen path as deleted and cascade into mass
// remote deletions.
var ErrNosyncGuard = errors.New("sync: halted: .nosync guard file found")

// nosyncFileName is the sentinel guard file name checked at each scan root.
const nosyncFileName = ".nosync"

// checkScanRoot verifies a root is safe to treat as authoritative before a
// scan's results may drive deletions: the root must exist, be a directory,
// and not carry a .nosync sentinel. A mount point whose volume failed to
// mount either disappears or exposes the sentinel placed underneath it.
func checkScanRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("sync: scan root unavailable: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("sync: scan root %s is not a directory", root)
	}

	_, err = os.Stat(filepath.Join(root, nosyncFileName))
	if err == nil {
		return ErrNosyncGuard
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sync: checking %s guard: %w", nosyncFileName, err)
	}

	return nil
}

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher; tests inject a fake.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher to FsWatcher (fsnotify exposes
// Events/Errors as public fields, not methods).
type fsnotifyWrapper struct{ w *fsnotify.Watcher }

func (fw *fsnotifyWrapper) Add(name string) error          { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error       { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                   { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event  { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error           { return fw.w.Errors }

// Scanner abstracts reading the current state of a sync-dir's tree, so the
// Watcher can be unit-tested without a real filesystem. The default
// implementation walks the real tree.
type Scanner interface {
	Scan(root string) ([]FileChange, error)
}

// osScanner walks the real filesystem.
type osScanner struct{}

func (osScanner) Scan(root string) ([]FileChange, error) {
	var out []FileChange

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if p == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}

		// An unreadable entry is reported as gone rather than failing the
		// whole batch.
		if err != nil {
			out = append(out, FileChange{WatchRoot: root, Name: filepath.ToSlash(rel), Exists: false})
			return nil
		}

		et := EntryFile
		if info.IsDir() {
			et = EntryDir
		}

		out = append(out, FileChange{
			WatchRoot: root,
			Name:      filepath.ToSlash(rel),
			Type:      et,
			Exists:    true,
			New:       true,
			MtimeMs:   info.ModTime().UnixMilli(),
			Size:      info.Size(),
		})

		return nil
	})

	return out, err
}

// Handler receives batches of FileChange from the Watcher.
type Handler func(ctx context.Context, batch []FileChange)

// snapshotEntry is one row of a per-root snapshot file. The format is
// internal to the watcher; only the change-since-last-snapshot diff matters.
type snapshotEntry struct {
	MtimeMs int64
	Size    int64
}

// Watcher turns filesystem activity into FileChange batches. It delivers a
// startup scan (full on first run, changes-since-snapshot afterward), a
// debounced live fsnotify subscription, signal-driven reconciliation, and a
// periodic safety re-scan, all as batches to a single Handler.
type Watcher struct {
	logger  *slog.Logger
	scanner Scanner
	handler Handler
	newFsW  func() (FsWatcher, error)
	snapDir string

	mu      sync.Mutex
	dirs    map[string]struct{} // active sync-dir roots
	watches map[string]FsWatcher
	cancel  map[string]context.CancelFunc

	pending   map[string]map[string]FileChange // per-root debounce buffer
	pendingMu sync.Mutex
}

// NewWatcher builds a Watcher. snapDir stores opaque per-root snapshot
// files; pass "" to disable persistence (every start does a full scan).
func NewWatcher(handler Handler, snapDir string, logger *slog.Logger) *Watcher {
	return &Watcher{
		logger:  logger,
		scanner: osScanner{},
		handler: handler,
		snapDir: snapDir,
		newFsW: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
		dirs:    make(map[string]struct{}),
		watches: make(map[string]FsWatcher),
		cancel:  make(map[string]context.CancelFunc),
		pending: make(map[string]map[string]FileChange),
	}
}

// AddSyncDir starts watching root: delivers a startup batch (full scan or
// changes-since-snapshot), then begins live subscription.
func (w *Watcher) AddSyncDir(ctx context.Context, root string) error {
	w.mu.Lock()
	if _, already := w.dirs[root]; already {
		w.mu.Unlock()
		return nil
	}

	w.dirs[root] = struct{}{}
	w.mu.Unlock()

	if err := w.deliverStartupScan(root); err != nil {
		w.logger.Warn("startup scan failed", slog.String("root", root), slog.Any("error", err))
	}

	return w.startLiveSubscription(ctx, root)
}

// ScanRoot delivers a startup batch for root without subscribing to live
// events. One-shot mode uses this instead of AddSyncDir.
func (w *Watcher) ScanRoot(root string) error {
	return w.deliverStartupScan(root)
}

// RemoveSyncDir releases the watch for root.
func (w *Watcher) RemoveSyncDir(root string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.dirs, root)

	if cancel, ok := w.cancel[root]; ok {
		cancel()
		delete(w.cancel, root)
	}

	if fw, ok := w.watches[root]; ok {
		fw.Close()
		delete(w.watches, root)
	}
}

// Shutdown flushes pending debounces and releases every watch.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	roots := make([]string, 0, len(w.dirs))
	for r := range w.dirs {
		roots = append(roots, r)
	}
	w.mu.Unlock()

	for _, r := range roots {
		w.flushPending(r)
		w.RemoveSyncDir(r)
	}
}

// Reconcile re-scans every active sync-dir from scratch and delivers the
// full batch. Triggered by the "reconcile" signal.
func (w *Watcher) Reconcile(ctx context.Context) {
	w.mu.Lock()
	roots := make([]string, 0, len(w.dirs))
	for r := range w.dirs {
		roots = append(roots, r)
	}
	w.mu.Unlock()

	for _, root := range roots {
		if err := checkScanRoot(root); err != nil {
			w.logger.Warn("reconcile skipped, root not trustworthy", slog.String("root", root), slog.Any("error", err))
			continue
		}

		changes, err := w.scanner.Scan(root)
		if err != nil {
			w.logger.Warn("reconcile scan failed", slog.String("root", root), slog.Any("error", err))
			continue
		}

		w.deliver(ctx, changes)
		w.writeSnapshot(root, changes)
	}
}

func (w *Watcher) deliverStartupScan(root string) error {
	// An unmounted or guarded root must not be read as "everything deleted".
	if err := checkScanRoot(root); err != nil {
		return err
	}

	snap, ok := w.readSnapshot(root)

	changes, err := w.scanner.Scan(root)
	if err != nil {
		return err
	}

	delivered := changes
	if ok {
		delivered = diffSnapshot(root, changes, snap)
	}

	w.deliver(context.Background(), delivered)
	w.writeSnapshot(root, changes)

	return nil
}

// diffSnapshot filters changes to only those whose mtime/size differ from
// the prior snapshot, plus a not-exists entry for anything that vanished.
func diffSnapshot(root string, changes []FileChange, snap map[string]snapshotEntry) []FileChange {
	var out []FileChange

	for _, c := range changes {
		prev, existed := snap[c.Name]
		if !existed || prev.MtimeMs != c.MtimeMs || prev.Size != c.Size {
			c.New = !existed
			out = append(out, c)
		}
	}

	for name := range snap {
		if !containsName(changes, name) {
			out = append(out, FileChange{WatchRoot: root, Name: name, Exists: false})
		}
	}

	return out
}

func containsName(changes []FileChange, name string) bool {
	for _, c := range changes {
		if c.Name == name {
			return true
		}
	}

	return false
}

func (w *Watcher) deliver(ctx context.Context, batch []FileChange) {
	if len(batch) == 0 || w.handler == nil {
		return
	}

	w.handler(ctx, batch)
}

func (w *Watcher) startLiveSubscription(ctx context.Context, root string) error {
	fw, err := w.newFsW()
	if err != nil {
		return err
	}

	if err := fw.Add(root); err != nil {
		fw.Close()
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.watches[root] = fw
	w.cancel[root] = cancel
	w.mu.Unlock()

	go w.runDebounceLoop(subCtx, root)
	go w.runErrorBackoffLoop(subCtx, root, fw)
	go w.runSafetyScanLoop(subCtx, root)

	return nil
}

func (w *Watcher) runDebounceLoop(ctx context.Context, root string) {
	w.mu.Lock()
	fw := w.watches[root]
	w.mu.Unlock()

	if fw == nil {
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.Events():
			if !ok {
				return
			}

			w.bufferEvent(root, ev)
			debounce.Reset(WatcherDebounceMs * time.Millisecond)

		case <-debounce.C:
			w.flushPending(root)
		}
	}
}

func (w *Watcher) bufferEvent(root string, ev fsnotify.Event) {
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil {
		return
	}

	fc := FileChange{WatchRoot: root, Name: filepath.ToSlash(rel)}

	if info, statErr := os.Lstat(ev.Name); statErr == nil {
		fc.Exists = true
		fc.New = ev.Op&fsnotify.Create != 0
		fc.MtimeMs = info.ModTime().UnixMilli()
		fc.Size = info.Size()

		if info.IsDir() {
			fc.Type = EntryDir
		} else {
			fc.Type = EntryFile
		}
	} else {
		fc.Exists = false
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if w.pending[root] == nil {
		w.pending[root] = make(map[string]FileChange)
	}
	// Coalesce repeated events for the same path; last-observed metadata wins.
	w.pending[root][fc.Name] = fc
}

func (w *Watcher) flushPending(root string) {
	w.pendingMu.Lock()
	batch := w.pending[root]
	delete(w.pending, root)
	w.pendingMu.Unlock()

	if len(batch) == 0 {
		return
	}

	out := make([]FileChange, 0, len(batch))
	for _, fc := range batch {
		out = append(out, fc)
	}

	w.deliver(context.Background(), out)
}

// runErrorBackoffLoop drains fsnotify's own error channel, applying the
// supplemented exponential backoff before re-adding the watch (a watcher-
// internal fault, not a job failure).
func (w *Watcher) runErrorBackoffLoop(ctx context.Context, root string, fw FsWatcher) {
	backoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-fw.Errors():
			if !ok {
				return
			}

			w.logger.Warn("watcher backend error", slog.String("root", root), slog.Any("error", err))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			if addErr := fw.Add(root); addErr != nil {
				w.logger.Warn("re-add watch failed", slog.String("root", root), slog.Any("error", addErr))
			}

			backoff *= watchErrBackoffMult
			if backoff > watchErrMaxBackoff {
				backoff = watchErrMaxBackoff
			}
		}
	}
}

// runSafetyScanLoop periodically rescans a single root to self-heal from
// any events fsnotify silently drops. Additive to signal-driven reconcile.
func (w *Watcher) runSafetyScanLoop(ctx context.Context, root string) {
	ticker := time.NewTicker(safetyScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := checkScanRoot(root); err != nil {
				w.logger.Warn("safety scan skipped, root not trustworthy", slog.String("root", root), slog.Any("error", err))
				continue
			}

			changes, err := w.scanner.Scan(root)
			if err != nil {
				w.logger.Warn("safety scan failed", slog.String("root", root), slog.Any("error", err))
				continue
			}

			snap, ok := w.readSnapshot(root)
			delivered := changes
			if ok {
				delivered = diffSnapshot(root, changes, snap)
			}

			w.deliver(ctx, delivered)
			w.writeSnapshot(root, changes)
		}
	}
}
