package sync

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestStore opens a Store backed by a temp directory, registering
// cleanup with t.Cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")

	store, err := OpenStore(context.Background(), dbPath, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
	})

	return store
}

// newTestQueue builds a Queue over a fresh test store.
func newTestQueue(t *testing.T) (*Queue, *Store) {
	t.Helper()

	store := newTestStore(t)

	return NewQueue(store, NewEventBroadcaster()), store
}

// enqueue is a test helper wrapping Queue.Enqueue in its required
// transaction.
func enqueue(t *testing.T, q *Queue, eventType EventType, localPath, remotePath, token string) int64 {
	t.Helper()

	var id int64

	err := q.store.withTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, err = q.Enqueue(context.Background(), tx, eventType, localPath, remotePath, token)

		return err
	})
	require.NoError(t, err)

	return id
}

func TestOpenStore_CreatesSchema(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	// Every table from the migration exists and is empty.
	for _, table := range []string{"sync_jobs", "processing_claims", "file_state", "node_mappings", "flags", "signals"} {
		var n int
		err := store.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
		require.NoError(t, err, "table %s", table)
		assert.Zero(t, n, "table %s", table)
	}
}

func TestOpenStore_MigrationsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	logger := testLogger(t)

	store, err := OpenStore(context.Background(), dbPath, logger)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Re-opening applies nothing new and does not fail.
	store, err = OpenStore(context.Background(), dbPath, logger)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	err := store.withTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO flags (name, created_at) VALUES ('x', 1)`)
		require.NoError(t, execErr)

		return assert.AnError
	})
	require.Error(t, err)

	has, err := store.HasFlag(ctx, "x")
	require.NoError(t, err)
	assert.False(t, has, "insert must have rolled back")
}
