package sweep

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shopdrop/shopdrop/backend"
	"github.com/shopdrop/shopdrop/registry"
	"github.com/shopdrop/shopdrop/store/metadb"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingBackend counts Delete calls per key and can inject failures.
type recordingBackend struct {
	backend.Backend

	mu       sync.Mutex
	deletes  map[string]int
	failures map[string]error
}

func newRecordingBackend(t *testing.T) *recordingBackend {
	t.Helper()

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return &recordingBackend{
		Backend:  fs,
		deletes:  map[string]int{},
		failures: map[string]error{},
	}
}

func (b *recordingBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	b.deletes[key]++
	err := b.failures[key]
	b.mu.Unlock()

	if err != nil {
		return err
	}
	return b.Backend.Delete(ctx, key)
}

func (b *recordingBackend) failDelete(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, key)
		return
	}
	b.failures[key] = err
}

func (b *recordingBackend) deleteCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deletes[key]
}

type fixture struct {
	clock    *fakeClock
	db       *metadb.BoltDB
	sessions *registry.SessionRegistry
	jobs     *registry.JobRegistry
	backend  *recordingBackend
	sweeper  *Sweeper
}

func newFixture(t *testing.T, deleteWindow, metadataTTL time.Duration) *fixture {
	t.Helper()

	clock := newFakeClock()
	db := metadb.NewBoltDB(metadb.WithNow(clock.Now), metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() {
		_ = db.Close()
	})

	sessions, err := registry.NewSessionRegistry(db, 30*time.Minute, registry.WithSessionNow(clock.Now))
	require.NoError(t, err)

	jobs, err := registry.NewJobRegistry(db, sessions, deleteWindow, metadataTTL, registry.WithJobNow(clock.Now))
	require.NoError(t, err)

	be := newRecordingBackend(t)

	return &fixture{
		clock:    clock,
		db:       db,
		sessions: sessions,
		jobs:     jobs,
		backend:  be,
		sweeper:  New(jobs, be, Config{}, WithNow(clock.Now)),
	}
}

// uploadJob writes a blob and creates the matching job record, the way
// the upload handler does.
func (f *fixture) uploadJob(t *testing.T, ctx context.Context, token, name string) *registry.Job {
	t.Helper()

	key := "blobs/" + name
	err := f.backend.Write(ctx, key, &backend.BlobHeader{OriginalName: name}, strings.NewReader("content of "+name))
	require.NoError(t, err)

	job, err := f.jobs.Create(ctx, token, "shop-1", name, key, 1048576)
	require.NoError(t, err)
	return job
}

func TestSweepReclaimsDueJobs(t *testing.T) {
	f := newFixture(t, 10*time.Minute, 24*time.Hour)
	ctx := context.Background()

	session, err := f.sessions.Create(ctx, "shop-1")
	require.NoError(t, err)

	job := f.uploadJob(t, ctx, session.Token, "a.pdf")

	listed, err := f.jobs.GetBySession(ctx, session.Token)
	require.NoError(t, err)
	require.Len(t, listed.Jobs, 1)
	require.Equal(t, job.JobID, listed.Jobs[0].JobID)

	f.clock.Advance(11 * time.Minute)

	result := f.sweeper.RunOnce(ctx)
	require.Equal(t, 1, result.Due)
	require.Equal(t, 1, result.Deleted)
	require.Zero(t, result.Failed)
	require.Zero(t, result.Orphaned)

	_, err = f.jobs.Get(ctx, job.JobID)
	require.ErrorIs(t, err, registry.ErrNotFound)

	require.Equal(t, 1, f.backend.deleteCount(job.BlobKey))
	exists, err := f.backend.Exists(ctx, job.BlobKey)
	require.NoError(t, err)
	require.False(t, exists)

	// Queue entry is gone, nothing left for the next pass
	result = f.sweeper.RunOnce(ctx)
	require.Zero(t, result.Due)
}

func TestSweepLeavesJobsInsideDeleteWindow(t *testing.T) {
	f := newFixture(t, 10*time.Minute, 24*time.Hour)
	ctx := context.Background()

	session, err := f.sessions.Create(ctx, "shop-1")
	require.NoError(t, err)
	job := f.uploadJob(t, ctx, session.Token, "a.pdf")

	f.clock.Advance(5 * time.Minute)

	result := f.sweeper.RunOnce(ctx)
	require.Zero(t, result.Due)

	_, err = f.jobs.Get(ctx, job.JobID)
	require.NoError(t, err)
	require.Zero(t, f.backend.deleteCount(job.BlobKey))
}

func TestSweepRetriesAfterBlobDeleteFailure(t *testing.T) {
	f := newFixture(t, 10*time.Minute, 24*time.Hour)
	ctx := context.Background()

	session, err := f.sessions.Create(ctx, "shop-1")
	require.NoError(t, err)
	job := f.uploadJob(t, ctx, session.Token, "a.pdf")

	f.backend.failDelete(job.BlobKey, context.DeadlineExceeded)
	f.clock.Advance(11 * time.Minute)

	result := f.sweeper.RunOnce(ctx)
	require.Equal(t, 1, result.Due)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Deleted)

	// Record and queue entry survive so the next pass can retry
	_, err = f.jobs.Get(ctx, job.JobID)
	require.NoError(t, err)

	f.backend.failDelete(job.BlobKey, nil)

	result = f.sweeper.RunOnce(ctx)
	require.Equal(t, 1, result.Deleted)

	_, err = f.jobs.Get(ctx, job.JobID)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSweepDropsOrphanedQueueEntries(t *testing.T) {
	// Record and blob expire together, so by the time the queue entry is
	// due the record is already gone.
	f := newFixture(t, 10*time.Minute, 10*time.Minute)
	ctx := context.Background()

	session, err := f.sessions.Create(ctx, "shop-1")
	require.NoError(t, err)
	job := f.uploadJob(t, ctx, session.Token, "a.pdf")

	f.clock.Advance(11 * time.Minute)

	result := f.sweeper.RunOnce(ctx)
	require.Equal(t, 1, result.Due)
	require.Equal(t, 1, result.Orphaned)
	require.Zero(t, result.Deleted)
	require.Zero(t, f.backend.deleteCount(job.BlobKey), "no record means no blob key to delete")

	result = f.sweeper.RunOnce(ctx)
	require.Zero(t, result.Due)
}

func TestSweepHandlesJobsIndependently(t *testing.T) {
	f := newFixture(t, 10*time.Minute, 24*time.Hour)
	ctx := context.Background()

	session, err := f.sessions.Create(ctx, "shop-1")
	require.NoError(t, err)
	broken := f.uploadJob(t, ctx, session.Token, "broken.pdf")
	healthy := f.uploadJob(t, ctx, session.Token, "healthy.pdf")

	f.backend.failDelete(broken.BlobKey, context.DeadlineExceeded)
	f.clock.Advance(11 * time.Minute)

	result := f.sweeper.RunOnce(ctx)
	require.Equal(t, 2, result.Due)
	require.Equal(t, 1, result.Deleted)
	require.Equal(t, 1, result.Failed)

	_, err = f.jobs.Get(ctx, healthy.JobID)
	require.ErrorIs(t, err, registry.ErrNotFound)
	_, err = f.jobs.Get(ctx, broken.JobID)
	require.NoError(t, err)
}

func TestSweeperStatus(t *testing.T) {
	f := newFixture(t, 10*time.Minute, 24*time.Hour)

	require.Nil(t, f.sweeper.Status())

	result := f.sweeper.RunOnce(context.Background())
	require.NotNil(t, result)
	require.Equal(t, result, f.sweeper.Status())
}
