package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a scriptable RemoteClient. Zero value succeeds every call
// with fixed node identities.
type fakeRemote struct {
	mu sync.Mutex

	uploadErr error
	folderErr error
	deleteErr error

	uploads int
	folders int
	deletes int

	// uploadErrs, when non-empty, is consumed one error per upload before
	// uploadErr applies.
	uploadErrs []error
}

func (f *fakeRemote) UploadFile(_ context.Context, _, _ string) (RemoteNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads++

	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]

		if err != nil {
			return RemoteNode{}, err
		}

		return RemoteNode{NodeUID: "N1", ParentNodeUID: "P1"}, nil
	}

	if f.uploadErr != nil {
		return RemoteNode{}, f.uploadErr
	}

	return RemoteNode{NodeUID: "N1", ParentNodeUID: "P1"}, nil
}

func (f *fakeRemote) CreateFolder(_ context.Context, _ string) (RemoteNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.folders++

	if f.folderErr != nil {
		return RemoteNode{}, f.folderErr
	}

	return RemoteNode{NodeUID: "D1", ParentNodeUID: "P1"}, nil
}

func (f *fakeRemote) Delete(_ context.Context, _ string, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++

	if f.deleteErr != nil {
		return false, f.deleteErr
	}

	return true, nil
}

func (f *fakeRemote) counts() (uploads, folders, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.uploads, f.folders, f.deletes
}

// newTestProcessor wires a Processor over a fresh store with the given fake.
func newTestProcessor(t *testing.T, client RemoteClient, concurrency int) (*Processor, *Queue, *Store) {
	t.Helper()

	store := newTestStore(t)
	queue := NewQueue(store, NewEventBroadcaster())
	p := NewProcessor(store, queue, client, concurrency, false, testLogger(t))

	return p, queue, store
}

// makeEligible forces every job's retry_at into the past so claims succeed
// without waiting out backoff delays.
func makeEligible(t *testing.T, store *Store) {
	t.Helper()

	_, err := store.db.Exec(`UPDATE sync_jobs SET retry_at = 0 WHERE status = 'PENDING'`)
	require.NoError(t, err)
}

func TestProcessor_UploadSuccess(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	p, q, store := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventCreateFile, "/sync/a.txt", "/r/a.txt", "1700000000000:10")

	require.NoError(t, p.DrainQueue(ctx))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, job.Status)

	var token string
	require.NoError(t, store.db.QueryRow(`SELECT change_token FROM file_state WHERE local_path = '/sync/a.txt'`).Scan(&token))
	assert.Equal(t, "1700000000000:10", token)

	var nodeUID, parentUID string
	var isDir bool
	require.NoError(t, store.db.QueryRow(`
		SELECT node_uid, parent_node_uid, is_directory FROM node_mappings
		WHERE local_path = '/sync/a.txt' AND remote_path = '/r/a.txt'
	`).Scan(&nodeUID, &parentUID, &isDir))
	assert.Equal(t, "N1", nodeUID)
	assert.Equal(t, "P1", parentUID)
	assert.False(t, isDir)
}

func TestProcessor_CreateDirSuccess(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	p, q, store := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventCreateDir, "/sync/docs", "/r/docs", "100:0")

	require.NoError(t, p.DrainQueue(ctx))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, job.Status)

	var isDir bool
	require.NoError(t, store.db.QueryRow(`SELECT is_directory FROM node_mappings WHERE local_path = '/sync/docs'`).Scan(&isDir))
	assert.True(t, isDir)

	_, folders, _ := remote.counts()
	assert.Equal(t, 1, folders)
}

func TestProcessor_DeleteSuccess(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	p, q, _ := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventDelete, "/sync/a.txt", "/r/a.txt", "")

	require.NoError(t, p.DrainQueue(ctx))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, job.Status)

	_, _, deletes := remote.counts()
	assert.Equal(t, 1, deletes)
}

func TestProcessor_NetworkFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{uploadErr: errors.New("read tcp: ECONNRESET")}
	p, q, _ := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventCreateFile, "/sync/a.txt", "/r/a.txt", "1:1")

	before := time.Now()
	require.NoError(t, p.DrainQueue(ctx))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 1, job.NRetries)
	assert.Contains(t, job.LastError, "ECONNRESET")

	delta := job.RetryAt.Sub(before)
	assert.GreaterOrEqual(t, delta, 700*time.Millisecond)
	assert.LessOrEqual(t, delta, 1500*time.Millisecond)
}

func TestProcessor_NetworkNeverBlocks(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{uploadErr: errors.New("ETIMEDOUT")}
	p, q, store := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventCreateFile, "/sync/a.txt", "/r/a.txt", "1:1")

	// Many more failures than any bounded category would allow.
	for i := 0; i < 20; i++ {
		makeEligible(t, store)
		require.NoError(t, p.DrainQueue(ctx))
	}

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status, "network failures never block")
	assert.LessOrEqual(t, job.NRetries, NetworkRetryCap)
}

func TestProcessor_OtherExhaustionBlocks(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{uploadErr: errors.New("mysterious failure #42")}
	p, q, store := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventCreateFile, "/sync/a.txt", "/r/a.txt", "1:1")

	// The first 10 failures reschedule; the 11th blocks.
	for i := 0; i < 10; i++ {
		makeEligible(t, store)
		require.NoError(t, p.DrainQueue(ctx))

		job, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusPending, job.Status, "failure %d must reschedule", i+1)
		require.Equal(t, i+1, job.NRetries)
	}

	makeEligible(t, store)
	require.NoError(t, p.DrainQueue(ctx))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, job.Status)
	assert.Equal(t, "mysterious failure #42", job.LastError)

	uploads, _, _ := remote.counts()
	assert.Equal(t, 11, uploads)
}

func TestProcessor_AuthBlocksImmediately(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{uploadErr: errors.New("remote: HTTP 401: unauthorized")}
	p, q, _ := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventCreateFile, "/sync/a.txt", "/r/a.txt", "1:1")

	require.NoError(t, p.DrainQueue(ctx))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, job.Status)

	uploads, _, _ := remote.counts()
	assert.Equal(t, 1, uploads, "no retry on auth failures")
}

func TestProcessor_LocalNotFoundExhaustionBlocks(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{uploadErr: errors.New("open /sync/a.txt: no such file or directory")}
	p, q, store := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventCreateFile, "/sync/a.txt", "/r/a.txt", "1:1")

	for i := 0; i < 3; i++ {
		makeEligible(t, store)
		require.NoError(t, p.DrainQueue(ctx))
	}

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, job.Status)
}

func TestProcessor_DraftRecovery(t *testing.T) {
	t.Parallel()

	draftErr := errors.New("draft revision already exists")
	remote := &fakeRemote{uploadErrs: []error{draftErr, draftErr, draftErr, draftErr, nil}}
	p, q, store := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventCreateFile, "/sync/a.txt", "/r/a.txt", "1:1")

	// Three failures reschedule; the fourth triggers delete-then-recreate,
	// whose recreate succeeds.
	for i := 0; i < 4; i++ {
		makeEligible(t, store)
		require.NoError(t, p.DrainQueue(ctx))
	}

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, job.Status)

	uploads, _, deletes := remote.counts()
	assert.Equal(t, 5, uploads, "4 failed attempts + 1 recovery recreate")
	assert.Equal(t, 1, deletes, "recovery deletes the stuck node first")
}

func TestProcessor_PauseFreezesClaims(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	p, q, store := newTestProcessor(t, remote, 2)
	ctx := context.Background()

	idA := enqueue(t, q, EventCreateFile, "/sync/a.txt", "/r/a.txt", "1:1")
	idB := enqueue(t, q, EventCreateFile, "/sync/b.txt", "/r/b.txt", "1:1")
	idC := enqueue(t, q, EventCreateFile, "/sync/c.txt", "/r/c.txt", "1:1")

	require.NoError(t, store.SetFlag(ctx, PausedFlag))

	spawned, err := p.ProcessAvailableJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, spawned, "paused: no claims")

	require.NoError(t, store.ClearFlag(ctx, PausedFlag))
	require.NoError(t, p.DrainQueue(ctx))

	for _, id := range []int64{idA, idB, idC} {
		job, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusSynced, job.Status)
	}
}

// blockingRemote holds every upload until release is closed, so tests can
// observe in-flight concurrency deterministically.
type blockingRemote struct {
	release chan struct{}
}

func (b *blockingRemote) UploadFile(context.Context, string, string) (RemoteNode, error) {
	<-b.release
	return RemoteNode{NodeUID: "N1", ParentNodeUID: "P1"}, nil
}

func (b *blockingRemote) CreateFolder(context.Context, string) (RemoteNode, error) {
	<-b.release
	return RemoteNode{NodeUID: "D1", ParentNodeUID: "P1"}, nil
}

func (b *blockingRemote) Delete(context.Context, string, bool) (bool, error) {
	<-b.release
	return true, nil
}

func TestProcessor_ConcurrencyBoundsClaims(t *testing.T) {
	t.Parallel()

	remote := &blockingRemote{release: make(chan struct{})}
	p, q, _ := newTestProcessor(t, remote, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		enqueue(t, q, EventCreateFile, fmt.Sprintf("/sync/f%d", i), fmt.Sprintf("/r/f%d", i), "1:1")
	}

	// Workers stay in flight, so one pass claims exactly the pool size.
	spawned, err := p.ProcessAvailableJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, spawned)

	close(remote.release)
	p.WaitForActiveTasks()

	require.NoError(t, p.DrainQueue(ctx))

	counts, err := q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[StatusSynced])
}

func TestProcessor_SetConcurrencyTakesEffect(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	p, q, _ := newTestProcessor(t, remote, 1)
	ctx := context.Background()

	p.SetConcurrency(4)

	for i := 0; i < 4; i++ {
		enqueue(t, q, EventCreateFile, fmt.Sprintf("/sync/f%d", i), fmt.Sprintf("/r/f%d", i), "1:1")
	}

	spawned, err := p.ProcessAvailableJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, spawned)

	p.WaitForActiveTasks()
}

func TestProcessor_WorkerPanicIsContained(t *testing.T) {
	t.Parallel()

	p, q, _ := newTestProcessor(t, panickyRemote{}, 1)
	ctx := context.Background()

	id := enqueue(t, q, EventCreateFile, "/sync/a.txt", "/r/a.txt", "1:1")

	require.NoError(t, p.DrainQueue(ctx))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status, "a panic is handled like any failure")
	assert.Contains(t, job.LastError, "panic")
}

// panickyRemote panics on every call.
type panickyRemote struct{}

func (panickyRemote) UploadFile(context.Context, string, string) (RemoteNode, error) {
	panic("remote client bug")
}

func (panickyRemote) CreateFolder(context.Context, string) (RemoteNode, error) {
	panic("remote client bug")
}

func (panickyRemote) Delete(context.Context, string, bool) (bool, error) {
	panic("remote client bug")
}

func TestProcessor_RecordedErrorsBounded(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestProcessor(t, &fakeRemote{}, 1)

	for i := 0; i < maxRecordedErrors+10; i++ {
		p.recordError("/sync/a.txt", CategoryOther, errors.New("x"))
	}

	recorded, dropped := p.RecordedErrors()
	assert.Len(t, recorded, maxRecordedErrors)
	assert.Equal(t, 10, dropped)
}
