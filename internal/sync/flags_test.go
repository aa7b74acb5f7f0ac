package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withAliveness swaps the PID liveness check for the test's duration.
func withAliveness(t *testing.T, fn func(pid int) bool) {
	t.Helper()

	prev := alivenessCheck
	alivenessCheck = fn

	t.Cleanup(func() { alivenessCheck = prev })
}

func TestFlags_SetClearHas(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	has, err := store.HasFlag(ctx, PausedFlag)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.SetFlag(ctx, PausedFlag))
	// Setting twice is a no-op, not an error.
	require.NoError(t, store.SetFlag(ctx, PausedFlag))

	has, err = store.HasFlag(ctx, PausedFlag)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, store.ClearFlag(ctx, PausedFlag))

	has, err = store.HasFlag(ctx, PausedFlag)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestAcquireRunLock_RefusesLiveHolder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	withAliveness(t, func(int) bool { return true })

	require.NoError(t, store.AcquireRunLock(ctx, 100))

	err := store.AcquireRunLock(ctx, 200)
	require.ErrorIs(t, err, ErrDaemonRunning)

	// Exactly one holder.
	pid, err := store.RunningPID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, pid)
}

func TestAcquireRunLock_ReplacesDeadHolder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	withAliveness(t, func(int) bool { return false })

	require.NoError(t, store.AcquireRunLock(ctx, 100))

	// Stale signals from the dead daemon's era are cleared.
	_, err := store.EmitSignal(ctx, SignalReconcile)
	require.NoError(t, err)

	require.NoError(t, store.AcquireRunLock(ctx, 200))

	pid, err := store.RunningPID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, pid)

	var n int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM signals`).Scan(&n))
	assert.Zero(t, n, "stale signals must be cleared")
}

func TestReleaseRunLock_ClearsLockAndPause(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	withAliveness(t, func(int) bool { return true })

	require.NoError(t, store.AcquireRunLock(ctx, 100))
	require.NoError(t, store.SetFlag(ctx, PausedFlag))

	require.NoError(t, store.ReleaseRunLock(ctx, 100))

	pid, err := store.RunningPID(ctx)
	require.NoError(t, err)
	assert.Zero(t, pid)

	paused, err := store.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestRunningPID_NoHolder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	pid, err := store.RunningPID(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pid)
}
