package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// Snapshot file permissions match the state database: owner-only.
const (
	snapshotFilePerms = 0o600
	snapshotDirPerms  = 0o700
)

// snapshotPath derives a stable per-root filename inside snapDir. Roots are
// arbitrary absolute paths, so the name is a digest rather than the path
// itself.
func (w *Watcher) snapshotPath(root string) string {
	if w.snapDir == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(root))

	return filepath.Join(w.snapDir, "snapshot-"+hex.EncodeToString(sum[:8])+".json")
}

// readSnapshot loads the persisted entry map for root. Returns ok=false when
// persistence is disabled, the file is absent, or it fails to decode (a
// corrupt snapshot just means the next scan is delivered in full).
func (w *Watcher) readSnapshot(root string) (map[string]snapshotEntry, bool) {
	path := w.snapshotPath(root)
	if path == "" {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var snap map[string]snapshotEntry
	if err := json.Unmarshal(data, &snap); err != nil {
		w.logger.Warn("discarding unreadable snapshot", slog.String("path", path), slog.Any("error", err))
		return nil, false
	}

	return snap, true
}

// writeSnapshot persists the current tree state for root so the next start
// can deliver only changes-since-snapshot. Best-effort: a write failure is
// logged and the next start falls back to a full scan.
func (w *Watcher) writeSnapshot(root string, changes []FileChange) {
	path := w.snapshotPath(root)
	if path == "" {
		return
	}

	snap := make(map[string]snapshotEntry, len(changes))

	for _, c := range changes {
		if !c.Exists {
			continue
		}

		snap[c.Name] = snapshotEntry{MtimeMs: c.MtimeMs, Size: c.Size}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		w.logger.Warn("encoding snapshot failed", slog.String("root", root), slog.Any("error", err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), snapshotDirPerms); err != nil {
		w.logger.Warn("creating snapshot directory failed", slog.String("path", path), slog.Any("error", err))
		return
	}

	// Write-then-rename so a crash mid-write never leaves a truncated
	// snapshot behind.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, snapshotFilePerms); err != nil {
		w.logger.Warn("writing snapshot failed", slog.String("path", tmp), slog.Any("error", err))
		return
	}

	if err := os.Rename(tmp, path); err != nil {
		w.logger.Warn("renaming snapshot failed", slog.String("path", path), slog.Any("error", err))
	}
}
