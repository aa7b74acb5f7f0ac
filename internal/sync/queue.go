package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Queue wraps the Store with the durable job-queue operations: upsert-keyed
// enqueue, claim, terminal transitions, and retry scheduling. It owns the
// best-effort event broadcaster observers subscribe to.
type Queue struct {
	store  *Store
	events *EventBroadcaster
}

// SyncedHighWatermark/LowWatermark bound the SYNCED table.
const (
	SyncedHighWatermark = 1280
	SyncedLowWatermark  = 1024
	syncedPruneBatch    = 256
)

// NewQueue wraps store with job-queue operations, publishing events on evb.
func NewQueue(store *Store, evb *EventBroadcaster) *Queue {
	return &Queue{store: store, events: evb}
}

// Events returns the queue's broadcaster for subscribers (e.g. dashboard).
func (q *Queue) Events() *EventBroadcaster { return q.events }

// Enqueue upserts a job keyed on (localPath, remotePath): an existing row is
// overwritten with the new event type and token and reset to PENDING, which
// collapses bursts on the same path into a single pending job carrying the
// newest intent. Must run inside the caller's transaction alongside
// FileState/NodeMapping edits.
func (q *Queue) Enqueue(ctx context.Context, tx *sql.Tx, eventType EventType, localPath, remotePath, changeToken string) (int64, error) {
	now := nowMillis()

	// RETURNING rather than LastInsertId: on conflict-update SQLite does not
	// advance last_insert_rowid, so it would report an unrelated row.
	var id int64

	err := tx.QueryRowContext(ctx, `
		INSERT INTO sync_jobs (event_type, local_path, remote_path, status, retry_at, n_retries, last_error, change_token, created_at)
		VALUES (?, ?, ?, 'PENDING', ?, 0, NULL, ?, ?)
		ON CONFLICT(local_path, remote_path) DO UPDATE SET
			event_type = excluded.event_type,
			status = 'PENDING',
			retry_at = excluded.retry_at,
			n_retries = 0,
			last_error = NULL,
			change_token = excluded.change_token
		RETURNING id
	`, string(eventType), localPath, remotePath, now, changeToken, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sync: enqueue %s %s: %w", localPath, remotePath, err)
	}

	q.publish(JobEvent{Type: JobEventEnqueue, JobID: id, LocalPath: localPath, RemotePath: remotePath})

	return id, nil
}

func (q *Queue) publish(ev JobEvent) {
	if q.events == nil {
		return
	}

	ev.Timestamp = fromMillis(nowMillis())
	q.events.Publish(ev)
}

// ClaimNextPendingJob reclaims stale ProcessingClaims, then atomically
// claims the oldest-eligible PENDING job with no outstanding claim for its
// localPath. Returns (nil, nil) when there is nothing eligible.
func (q *Queue) ClaimNextPendingJob(ctx context.Context) (*SyncJob, error) {
	var claimed *SyncJob

	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		staleCutoff := now - StaleProcessingThreshold.Milliseconds()

		if _, err := tx.ExecContext(ctx, `DELETE FROM processing_claims WHERE started_at <= ?`, staleCutoff); err != nil {
			return fmt.Errorf("reclaim stale claims: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, event_type, local_path, remote_path, status, retry_at, n_retries, last_error, change_token, created_at
			FROM sync_jobs
			WHERE status = 'PENDING' AND retry_at <= ?
			  AND local_path NOT IN (SELECT local_path FROM processing_claims)
			ORDER BY retry_at ASC
			LIMIT 1
		`, now)

		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("select claimable job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE sync_jobs SET status = 'PROCESSING' WHERE id = ?`, job.ID); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processing_claims (local_path, started_at) VALUES (?, ?)
			ON CONFLICT(local_path) DO UPDATE SET started_at = excluded.started_at
		`, job.LocalPath, now); err != nil {
			return fmt.Errorf("upsert claim: %w", err)
		}

		job.Status = StatusProcessing
		claimed = job

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// MarkSynced updates the row to SYNCED
// only if still PROCESSING, unconditionally drops the claim, and opportunely
// prunes the oldest SYNCED rows once the table exceeds the high watermark.
func (q *Queue) MarkSynced(ctx context.Context, id int64, localPath string) error {
	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		return q.markSyncedTx(ctx, tx, id, localPath)
	})
	if err != nil {
		return err
	}

	q.publish(JobEvent{Type: JobEventSynced, JobID: id, LocalPath: localPath})

	return nil
}

// markSyncedTx is the in-transaction body of MarkSynced, for callers that
// need to commit other state (FileState, NodeMapping) atomically with the
// terminal transition. The caller publishes the synced event after commit.
func (q *Queue) markSyncedTx(ctx context.Context, tx *sql.Tx, id int64, localPath string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE sync_jobs SET status = 'SYNCED', last_error = NULL WHERE id = ? AND status = 'PROCESSING'`, id); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM processing_claims WHERE local_path = ?`, localPath); err != nil {
		return fmt.Errorf("drop claim: %w", err)
	}

	return pruneSyncedIfNeeded(ctx, tx)
}

func pruneSyncedIfNeeded(ctx context.Context, tx *sql.Tx) error {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_jobs WHERE status = 'SYNCED'`).Scan(&count); err != nil {
		return fmt.Errorf("count synced: %w", err)
	}

	if count <= SyncedHighWatermark {
		return nil
	}

	toDelete := count - SyncedLowWatermark
	if toDelete > syncedPruneBatch {
		toDelete = syncedPruneBatch
	}

	_, err := tx.ExecContext(ctx, `
		DELETE FROM sync_jobs WHERE id IN (
			SELECT id FROM sync_jobs WHERE status = 'SYNCED' ORDER BY created_at ASC LIMIT ?
		)
	`, toDelete)
	if err != nil {
		return fmt.Errorf("prune synced: %w", err)
	}

	return nil
}

// MarkBlocked is terminal: the job never retries automatically and its
// lastError is surfaced to the operator.
func (q *Queue) MarkBlocked(ctx context.Context, id int64, localPath string, cause error) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sync_jobs SET status = 'BLOCKED', last_error = ? WHERE id = ? AND status = 'PROCESSING'`, errMsg, id); err != nil {
			return fmt.Errorf("mark blocked: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM processing_claims WHERE local_path = ?`, localPath); err != nil {
			return fmt.Errorf("drop claim: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	q.publish(JobEvent{Type: JobEventBlocked, JobID: id, LocalPath: localPath, Error: errMsg})

	return nil
}

// ScheduleRetry returns the job to PENDING with retryAt/nRetries advanced
// per the category's policy.
func (q *Queue) ScheduleRetry(ctx context.Context, id int64, localPath string, nRetries int, cat ErrorCategory, cause error) error {
	delay, next := NextDelay(cat, nRetries)
	retryAt := nowMillis() + delay.Milliseconds()

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_jobs SET status = 'PENDING', retry_at = ?, n_retries = ?, last_error = ?
			WHERE id = ? AND status = 'PROCESSING'
		`, retryAt, next, errMsg, id); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM processing_claims WHERE local_path = ?`, localPath); err != nil {
			return fmt.Errorf("drop claim: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	q.publish(JobEvent{Type: JobEventRetry, JobID: id, LocalPath: localPath, Error: errMsg})

	return nil
}

// GetJob returns a job by id, primarily for tests and the status CLI.
func (q *Queue) GetJob(ctx context.Context, id int64) (*SyncJob, error) {
	row := q.store.db.QueryRowContext(ctx, `
		SELECT id, event_type, local_path, remote_path, status, retry_at, n_retries, last_error, change_token, created_at
		FROM sync_jobs WHERE id = ?
	`, id)

	return scanJob(row)
}

// CountByStatus returns job counts grouped by status, for the status CLI.
func (q *Queue) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := q.store.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sync: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[JobStatus]int)

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("sync: scan status count: %w", err)
		}

		out[JobStatus(status)] = count
	}

	return out, rows.Err()
}

// ListBlocked returns every BLOCKED job, for the status CLI and operator
// reset flows.
func (q *Queue) ListBlocked(ctx context.Context) ([]*SyncJob, error) {
	rows, err := q.store.db.QueryContext(ctx, `
		SELECT id, event_type, local_path, remote_path, status, retry_at, n_retries, last_error, change_token, created_at
		FROM sync_jobs WHERE status = 'BLOCKED' ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("sync: list blocked: %w", err)
	}
	defer rows.Close()

	var out []*SyncJob

	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, job)
	}

	return out, rows.Err()
}

// ResetJob clears a BLOCKED (or any) job row so a subsequent reconciliation
// re-enqueues it fresh. This is the operator-triggered recovery path for
// blocked jobs.
func (q *Queue) ResetJob(ctx context.Context, id int64) error {
	_, err := q.store.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sync: reset job %d: %w", id, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*SyncJob, error) {
	var (
		j           SyncJob
		eventType   string
		status      string
		retryAtMs   int64
		createdAtMs int64
		lastError   sql.NullString
		changeToken sql.NullString
	)

	if err := row.Scan(&j.ID, &eventType, &j.LocalPath, &j.RemotePath, &status, &retryAtMs, &j.NRetries, &lastError, &changeToken, &createdAtMs); err != nil {
		return nil, err
	}

	j.EventType = EventType(eventType)
	j.Status = JobStatus(status)
	j.RetryAt = fromMillis(retryAtMs)
	j.CreatedAt = fromMillis(createdAtMs)
	j.LastError = lastError.String
	j.ChangeToken = changeToken.String

	return &j, nil
}

func scanJobRows(rows *sql.Rows) (*SyncJob, error) {
	return scanJob(rows)
}
