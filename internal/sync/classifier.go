package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// SyncDir is a configured (source_path, remote_root) mapping — the unit of
// watching.
type SyncDir struct {
	SourcePath string
	RemoteRoot string
}

// Classifier resolves each incoming FileChange to its owning sync-dir,
// applies exclusion
// patterns, and turns the remaining events into SyncJob enqueues, FileState
// updates, and NodeMapping deletes — all in one transaction per event.
type Classifier struct {
	store    *Store
	queue    *Queue
	logger   *slog.Logger
	excludes *ExcludeMatcher

	mu       sync.RWMutex
	syncDirs []SyncDir
}

// NewClassifier builds a Classifier over store/queue with the given initial
// sync-dirs and exclude patterns.
func NewClassifier(store *Store, queue *Queue, syncDirs []SyncDir, excludes []ExcludePattern, logger *slog.Logger) *Classifier {
	return &Classifier{
		store:    store,
		queue:    queue,
		logger:   logger,
		excludes: NewExcludeMatcher(excludes),
		syncDirs: append([]SyncDir(nil), syncDirs...),
	}
}

// SetSyncDirs atomically replaces the active sync-dir set (sync_dirs config
// reload).
func (c *Classifier) SetSyncDirs(dirs []SyncDir) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.syncDirs = append([]SyncDir(nil), dirs...)
}

// SyncDirs returns a snapshot of the active sync-dir set.
func (c *Classifier) SyncDirs() []SyncDir {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]SyncDir(nil), c.syncDirs...)
}

// SetExcludePatterns replaces the exclusion pattern set and drops the
// compiled-glob cache (exclude_patterns config reload).
func (c *Classifier) SetExcludePatterns(patterns []ExcludePattern) {
	c.excludes.SetPatterns(patterns)
}

// resolveSyncDir finds the sync-dir whose source_path equals watchRoot after
// trailing-slash normalization.
func (c *Classifier) resolveSyncDir(watchRoot string) (SyncDir, bool) {
	norm := strings.TrimSuffix(watchRoot, "/")

	for _, d := range c.SyncDirs() {
		if strings.TrimSuffix(d.SourcePath, "/") == norm {
			return d, true
		}
	}

	return SyncDir{}, false
}

// changeToken computes the cheap "mtime_ms:size" content-change proxy.
func changeToken(mtimeMs, size int64) string {
	return strconv.FormatInt(mtimeMs, 10) + ":" + strconv.FormatInt(size, 10)
}

// HandleChange classifies one FileChange and applies the resulting state
// change in a single transaction.
func (c *Classifier) HandleChange(ctx context.Context, ev FileChange) error {
	syncDir, ok := c.resolveSyncDir(ev.WatchRoot)
	if !ok {
		c.logger.Warn("file change for unknown sync-dir, dropping", slog.String("watch_root", ev.WatchRoot))
		return nil
	}

	relPath := strings.TrimPrefix(ev.Name, "/")
	localPath := strings.TrimSuffix(ev.WatchRoot, "/") + "/" + relPath
	remotePath := strings.TrimSuffix(syncDir.RemoteRoot, "/") + "/" + relPath

	if c.excludes.Excluded(syncDir.SourcePath, relPath) {
		c.logger.Debug("path excluded", slog.String("local_path", localPath))
		return nil
	}

	return c.store.withTx(ctx, func(tx *sql.Tx) error {
		return c.applyChange(ctx, tx, ev, localPath, remotePath)
	})
}

func (c *Classifier) applyChange(ctx context.Context, tx *sql.Tx, ev FileChange, localPath, remotePath string) error {
	if !ev.Exists {
		return c.handleDelete(ctx, tx, ev, localPath, remotePath)
	}

	if ev.Type == EntryDir {
		return c.handleDirectory(ctx, tx, ev, localPath, remotePath)
	}

	return c.handleFile(ctx, tx, ev, localPath, remotePath)
}

// handleDelete enqueues DELETE and clears FileState/NodeMapping for the path
// and, for directories, everything beneath it.
func (c *Classifier) handleDelete(ctx context.Context, tx *sql.Tx, ev FileChange, localPath, remotePath string) error {
	if _, err := c.queue.Enqueue(ctx, tx, EventDelete, localPath, remotePath, ""); err != nil {
		return err
	}

	if err := deleteFileState(ctx, tx, localPath); err != nil {
		return err
	}

	if err := deleteNodeMapping(ctx, tx, localPath, remotePath); err != nil {
		return err
	}

	if ev.Type != EntryDir {
		return nil
	}

	if err := deleteFileStatePrefix(ctx, tx, localPath); err != nil {
		return err
	}

	return deleteNodeMappingPrefix(ctx, tx, localPath)
}

// handleDirectory covers the two directory cases: a new directory enqueues
// CREATE_DIR unless already mapped (idempotent); a metadata-only change on
// an existing directory is a no-op.
func (c *Classifier) handleDirectory(ctx context.Context, tx *sql.Tx, ev FileChange, localPath, remotePath string) error {
	if !ev.New {
		return nil
	}

	mapped, err := getNodeMapping(ctx, tx, localPath, remotePath)
	if err != nil {
		return err
	}

	if mapped {
		return nil
	}

	token := changeToken(ev.MtimeMs, ev.Size)
	_, err = c.queue.Enqueue(ctx, tx, EventCreateDir, localPath, remotePath, token)

	return err
}

// handleFile enqueues CREATE_FILE or UPDATE depending on ev.New, suppressed
// entirely when the computed token matches the cached FileState.
func (c *Classifier) handleFile(ctx context.Context, tx *sql.Tx, ev FileChange, localPath, remotePath string) error {
	token := changeToken(ev.MtimeMs, ev.Size)

	cached, err := getFileStateToken(ctx, tx, localPath)
	if err != nil {
		return err
	}

	if cached == token {
		c.logger.Debug("change suppressed, token unchanged", slog.String("local_path", localPath), slog.String("token", token))
		return nil
	}

	eventType := EventUpdate
	if ev.New {
		eventType = EventCreateFile
	}

	_, err = c.queue.Enqueue(ctx, tx, eventType, localPath, remotePath, token)
	if err != nil {
		return fmt.Errorf("classify %s: %w", localPath, err)
	}

	return nil
}
