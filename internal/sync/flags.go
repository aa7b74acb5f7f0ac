package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrDaemonRunning is returned by AcquireRunLock when another live daemon
// already holds the run-lock.
var ErrDaemonRunning = errors.New("sync: daemon already running")

// SetFlag inserts the named flag if absent. Setting an already-set flag is a
// no-op, which keeps pause idempotent.
func (s *Store) SetFlag(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flags (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, nowMillis())
	if err != nil {
		return fmt.Errorf("sync: set flag %s: %w", name, err)
	}

	return nil
}

// ClearFlag removes the named flag, if present.
func (s *Store) ClearFlag(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flags WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("sync: clear flag %s: %w", name, err)
	}

	return nil
}

// HasFlag reports whether the named flag is set. Callers poll this rather
// than caching the answer, so sibling-process writes are always visible.
func (s *Store) HasFlag(ctx context.Context, name string) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flags WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sync: has flag %s: %w", name, err)
	}

	return n > 0, nil
}

// IsPaused reports whether the PAUSED flag is set.
func (s *Store) IsPaused(ctx context.Context) (bool, error) {
	return s.HasFlag(ctx, PausedFlag)
}

// pidAlive reports whether the OS considers pid a live process, using
// signal 0 the way kill(2) documents it.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}

// alivenessCheck is swapped out in tests so run-lock contention can be
// simulated without real processes.
var alivenessCheck = pidAlive

// AcquireRunLock takes the single-daemon lease for this store, all in one
// transaction: a live holder refuses the start; a dead holder's flag is
// garbage-collected along with any stale signals; then running_pid:<pid> is
// inserted.
func (s *Store) AcquireRunLock(ctx context.Context, pid int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		holder, err := runLockHolder(ctx, tx)
		if err != nil {
			return err
		}

		if holder != 0 {
			if alivenessCheck(holder) {
				return fmt.Errorf("%w (pid %d)", ErrDaemonRunning, holder)
			}

			// The previous daemon died without releasing the lock. Its
			// queued signals are stale too.
			if _, err := tx.ExecContext(ctx, `DELETE FROM flags WHERE name = ?`, RunningPIDPrefix+strconv.Itoa(holder)); err != nil {
				return fmt.Errorf("gc stale run lock: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM signals`); err != nil {
				return fmt.Errorf("gc stale signals: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO flags (name, created_at) VALUES (?, ?)`, RunningPIDPrefix+strconv.Itoa(pid), nowMillis()); err != nil {
			return fmt.Errorf("insert run lock: %w", err)
		}

		return nil
	})
}

// ReleaseRunLock drops this daemon's lease and clears PAUSED, the two bits a
// graceful shutdown must not leave behind.
func (s *Store) ReleaseRunLock(ctx context.Context, pid int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM flags WHERE name = ?`, RunningPIDPrefix+strconv.Itoa(pid)); err != nil {
			return fmt.Errorf("release run lock: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM flags WHERE name = ?`, PausedFlag); err != nil {
			return fmt.Errorf("clear paused on shutdown: %w", err)
		}

		return nil
	})
}

// RunningPID returns the PID of the current run-lock holder, or 0 if no
// daemon holds the lock. Liveness is not checked; use for display.
func (s *Store) RunningPID(ctx context.Context) (int, error) {
	var pid int

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		holder, err := runLockHolder(ctx, tx)
		if err != nil {
			return err
		}

		pid = holder

		return nil
	})

	return pid, err
}

func runLockHolder(ctx context.Context, tx *sql.Tx) (int, error) {
	var name string

	err := tx.QueryRowContext(ctx, `SELECT name FROM flags WHERE name LIKE ? LIMIT 1`, RunningPIDPrefix+"%").Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("read run lock: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimPrefix(name, RunningPIDPrefix))
	if err != nil {
		return 0, fmt.Errorf("malformed run lock flag %q: %w", name, err)
	}

	return pid, nil
}
