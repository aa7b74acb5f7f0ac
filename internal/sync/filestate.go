package sync

import (
	"context"
	"database/sql"
	"fmt"
)

// getFileStateToken returns the cached change token for localPath, or ""
// if there is no FileState row.
func getFileStateToken(ctx context.Context, tx *sql.Tx, localPath string) (string, error) {
	var token string

	err := tx.QueryRowContext(ctx, `SELECT change_token FROM file_state WHERE local_path = ?`, localPath).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: get file state %s: %w", localPath, err)
	}

	return token, nil
}

// putFileState upserts the change token for localPath.
func putFileState(ctx context.Context, tx *sql.Tx, localPath, token string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO file_state (local_path, change_token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(local_path) DO UPDATE SET change_token = excluded.change_token, updated_at = excluded.updated_at
	`, localPath, token, nowMillis())
	if err != nil {
		return fmt.Errorf("sync: put file state %s: %w", localPath, err)
	}

	return nil
}

// deleteFileState removes the FileState row for localPath, if any.
func deleteFileState(ctx context.Context, tx *sql.Tx, localPath string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM file_state WHERE local_path = ?`, localPath)
	if err != nil {
		return fmt.Errorf("sync: delete file state %s: %w", localPath, err)
	}

	return nil
}

// deleteFileStatePrefix removes every FileState row whose path is prefixed
// by prefix (directory-delete cascade).
func deleteFileStatePrefix(ctx context.Context, tx *sql.Tx, prefix string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM file_state WHERE local_path LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return fmt.Errorf("sync: delete file state prefix %s: %w", prefix, err)
	}

	return nil
}

// putNodeMapping upserts the remote identity for (localPath, remotePath).
func putNodeMapping(ctx context.Context, tx *sql.Tx, localPath, remotePath, nodeUID, parentNodeUID string, isDir bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO node_mappings (local_path, remote_path, node_uid, parent_node_uid, is_directory, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_path, remote_path) DO UPDATE SET
			node_uid = excluded.node_uid, parent_node_uid = excluded.parent_node_uid,
			is_directory = excluded.is_directory, updated_at = excluded.updated_at
	`, localPath, remotePath, nodeUID, parentNodeUID, isDir, nowMillis())
	if err != nil {
		return fmt.Errorf("sync: put node mapping %s: %w", localPath, err)
	}

	return nil
}

// getNodeMapping reports whether a NodeMapping already exists for the pair —
// used by the CREATE_DIR idempotency check.
func getNodeMapping(ctx context.Context, tx *sql.Tx, localPath, remotePath string) (bool, error) {
	var n int

	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM node_mappings WHERE local_path = ? AND remote_path = ?`, localPath, remotePath).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sync: get node mapping %s: %w", localPath, err)
	}

	return n > 0, nil
}

// deleteNodeMapping removes the NodeMapping row for (localPath, remotePath).
func deleteNodeMapping(ctx context.Context, tx *sql.Tx, localPath, remotePath string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM node_mappings WHERE local_path = ? AND remote_path = ?`, localPath, remotePath)
	if err != nil {
		return fmt.Errorf("sync: delete node mapping %s: %w", localPath, err)
	}

	return nil
}

// deleteNodeMappingPrefix removes every NodeMapping row whose localPath is
// prefixed by prefix (directory-delete cascade).
func deleteNodeMappingPrefix(ctx context.Context, tx *sql.Tx, prefix string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM node_mappings WHERE local_path LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return fmt.Errorf("sync: delete node mapping prefix %s: %w", prefix, err)
	}

	return nil
}

// likePrefix escapes SQL LIKE metacharacters in prefix and appends a
// wildcard, matching "prefix/%".
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+2)

	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}

		escaped = append(escaped, c)
	}

	return string(escaped) + "/%"
}

// queryer is satisfied by both *sql.DB and *sql.Tx, so orphan-scan helpers
// can run standalone or inside an existing transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// nodeMappingsOutsideDirs returns the distinct local paths of NodeMapping
// rows no longer covered by any of the given sync-dir roots — used by
// orphan cleanup on sync_dirs config reload.
func nodeMappingsOutsideDirs(ctx context.Context, q queryer, roots []string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT local_path FROM node_mappings`)
	if err != nil {
		return nil, fmt.Errorf("sync: list node mapping paths: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("sync: scan node mapping path: %w", err)
		}

		if !coveredByAny(path, roots) {
			out = append(out, path)
		}
	}

	return out, rows.Err()
}

// fileStatePathsOutsideDirs mirrors nodeMappingsOutsideDirs for FileState.
func fileStatePathsOutsideDirs(ctx context.Context, q queryer, roots []string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT local_path FROM file_state`)
	if err != nil {
		return nil, fmt.Errorf("sync: list file state paths: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("sync: scan file state path: %w", err)
		}

		if !coveredByAny(path, roots) {
			out = append(out, path)
		}
	}

	return out, rows.Err()
}

func coveredByAny(path string, roots []string) bool {
	for _, r := range roots {
		if path == r || len(path) > len(r) && path[:len(r)+1] == r+"/" {
			return true
		}
	}

	return false
}

// CountFileState returns the number of tracked files — the baseline the
// big-delete protection measures batches against.
func (s *Store) CountFileState(ctx context.Context) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_state`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sync: count file state: %w", err)
	}

	return n, nil
}

// OrphanCleanup deletes FileState and NodeMapping rows no longer covered by
// roots, in one transaction.
func OrphanCleanup(ctx context.Context, s *Store, roots []string) (removedFileState, removedMappings int, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		fsPaths, qErr := fileStatePathsOutsideDirs(ctx, tx, roots)
		if qErr != nil {
			return qErr
		}

		for _, p := range fsPaths {
			if _, dErr := tx.ExecContext(ctx, `DELETE FROM file_state WHERE local_path = ?`, p); dErr != nil {
				return fmt.Errorf("orphan cleanup file_state %s: %w", p, dErr)
			}

			removedFileState++
		}

		nmPaths, qErr := nodeMappingsOutsideDirs(ctx, tx, roots)
		if qErr != nil {
			return qErr
		}

		for _, p := range nmPaths {
			if _, dErr := tx.ExecContext(ctx, `DELETE FROM node_mappings WHERE local_path = ?`, p); dErr != nil {
				return fmt.Errorf("orphan cleanup node_mappings %s: %w", p, dErr)
			}

			removedMappings++
		}

		return nil
	})

	return removedFileState, removedMappings, err
}
