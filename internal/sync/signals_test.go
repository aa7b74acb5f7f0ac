package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalPoller_ConsumesExactlyOnce(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	p := NewSignalPoller(store, testLogger(t))

	var calls []string

	p.On(SignalPauseSync, func(_ context.Context, name string) {
		calls = append(calls, name)
	})

	id, err := store.EmitSignal(ctx, SignalPauseSync)
	require.NoError(t, err)

	require.NoError(t, p.PollOnce(ctx))
	require.NoError(t, p.PollOnce(ctx))

	assert.Equal(t, []string{SignalPauseSync}, calls, "one row, one invocation")

	consumed, err := store.SignalConsumed(ctx, id)
	require.NoError(t, err)
	assert.True(t, consumed)
}

func TestSignalPoller_DeletesBeforeInvoking(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	p := NewSignalPoller(store, testLogger(t))

	id, err := store.EmitSignal(ctx, SignalStop)
	require.NoError(t, err)

	var goneWhenInvoked bool

	p.On(SignalStop, func(ctx context.Context, _ string) {
		gone, checkErr := store.SignalConsumed(ctx, id)
		require.NoError(t, checkErr)
		goneWhenInvoked = gone
	})

	require.NoError(t, p.PollOnce(ctx))
	assert.True(t, goneWhenInvoked, "row deletion must happen before the listener runs")
}

func TestSignalPoller_UnknownSignalsAccumulate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	p := NewSignalPoller(store, testLogger(t))

	id, err := store.EmitSignal(ctx, "custom:thing")
	require.NoError(t, err)

	require.NoError(t, p.PollOnce(ctx))

	consumed, err := store.SignalConsumed(ctx, id)
	require.NoError(t, err)
	assert.False(t, consumed, "no listener, row stays queued")

	// A late registration picks it up.
	var got string

	p.On("custom:thing", func(_ context.Context, name string) { got = name })

	require.NoError(t, p.PollOnce(ctx))
	assert.Equal(t, "custom:thing", got)
}

func TestSignalPoller_PrefixListeners(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	p := NewSignalPoller(store, testLogger(t))

	var keys []string

	p.OnPrefix(SignalReloadPrefix, func(_ context.Context, name string) {
		keys = append(keys, name)
	})

	_, err := store.EmitSignal(ctx, SignalReloadPrefix+"sync_concurrency")
	require.NoError(t, err)
	_, err = store.EmitSignal(ctx, SignalReloadPrefix+"sync_dirs")
	require.NoError(t, err)

	require.NoError(t, p.PollOnce(ctx))

	assert.Equal(t, []string{
		SignalReloadPrefix + "sync_concurrency",
		SignalReloadPrefix + "sync_dirs",
	}, keys, "consumed in id order")
}

func TestSignalPoller_OrderedByID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	p := NewSignalPoller(store, testLogger(t))

	var order []string

	handler := func(_ context.Context, name string) { order = append(order, name) }
	p.On(SignalPauseSync, handler)
	p.On(SignalResumeSync, handler)

	_, err := store.EmitSignal(ctx, SignalResumeSync)
	require.NoError(t, err)
	_, err = store.EmitSignal(ctx, SignalPauseSync)
	require.NoError(t, err)

	require.NoError(t, p.PollOnce(ctx))
	assert.Equal(t, []string{SignalResumeSync, SignalPauseSync}, order)
}

func TestWaitSignalConsumed_Timeout(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.EmitSignal(ctx, SignalStop)
	require.NoError(t, err)

	err = store.WaitSignalConsumed(ctx, id, 300*time.Millisecond)
	require.Error(t, err, "nobody consumes, the producer times out")
}

func TestWaitFlag_ObservesChange(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	go func() {
		time.Sleep(150 * time.Millisecond)

		_ = store.SetFlag(ctx, PausedFlag)
	}()

	require.NoError(t, store.WaitFlag(ctx, PausedFlag, true, 2*time.Second))
}

func TestClearSignals(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.EmitSignal(ctx, SignalStop)
	require.NoError(t, err)
	_, err = store.EmitSignal(ctx, SignalReconcile)
	require.NoError(t, err)

	require.NoError(t, store.ClearSignals(ctx))

	var n int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM signals`).Scan(&n))
	assert.Zero(t, n)
}
