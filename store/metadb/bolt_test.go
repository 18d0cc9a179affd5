package metadb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

func openTestDB(t *testing.T) (*BoltDB, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	db := NewBoltDB(WithNow(clock.Now), WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, clock
}

func TestPutGetRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, "session", "tok1", []byte(`{"a":1}`), time.Hour))

	data, err := db.Get(ctx, "session", "tok1")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), data)
}

func TestGetAbsent(t *testing.T) {
	db, _ := openTestDB(t)

	_, err := db.Get(context.Background(), "session", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetAfterTTLElapsed(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, "session", "tok1", []byte("v"), 30*time.Minute))

	clock.Advance(29 * time.Minute)
	_, err := db.Get(ctx, "session", "tok1")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = db.Get(ctx, "session", "tok1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutWithoutTTLNeverExpires(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, "config", "k", []byte("v"), 0))

	clock.Advance(1000 * time.Hour)
	_, err := db.Get(ctx, "config", "k")
	require.NoError(t, err)
}

func TestExpireRefreshesTTL(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, "session", "tok1", []byte("v"), 10*time.Minute))

	clock.Advance(9 * time.Minute)
	require.NoError(t, db.Expire(ctx, "session", "tok1", 10*time.Minute))

	clock.Advance(9 * time.Minute)
	_, err := db.Get(ctx, "session", "tok1")
	require.NoError(t, err)
}

func TestExpireAbsentRecord(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	err := db.Expire(ctx, "session", "nope", time.Minute)
	require.ErrorIs(t, err, ErrNotFound)

	// An already-expired record behaves the same as an absent one
	require.NoError(t, db.Put(ctx, "session", "tok1", []byte("v"), time.Minute))
	clock.Advance(2 * time.Minute)
	err = db.Expire(ctx, "session", "tok1", time.Minute)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, "job", "j1", []byte("v"), time.Hour))
	require.NoError(t, db.Delete(ctx, "job", "j1"))
	require.NoError(t, db.Delete(ctx, "job", "j1"))

	_, err := db.Get(ctx, "job", "j1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetAddMembersRemove(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetAdd(ctx, "session", "tok1", "j1", time.Hour))
	require.NoError(t, db.SetAdd(ctx, "session", "tok1", "j2", time.Hour))
	require.NoError(t, db.SetAdd(ctx, "session", "tok1", "j2", time.Hour)) // duplicate

	members, err := db.SetMembers(ctx, "session", "tok1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"j1", "j2"}, members)

	require.NoError(t, db.SetRemove(ctx, "session", "tok1", "j1"))
	require.NoError(t, db.SetRemove(ctx, "session", "tok1", "j1")) // idempotent

	members, err = db.SetMembers(ctx, "session", "tok1")
	require.NoError(t, err)
	require.Equal(t, []string{"j2"}, members)
}

func TestSetMembersAfterTTLElapsed(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetAdd(ctx, "session", "tok1", "j1", 10*time.Minute))

	clock.Advance(11 * time.Minute)
	members, err := db.SetMembers(ctx, "session", "tok1")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestSetAddRefreshesSetTTL(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetAdd(ctx, "session", "tok1", "j1", 10*time.Minute))

	clock.Advance(9 * time.Minute)
	require.NoError(t, db.SetAdd(ctx, "session", "tok1", "j2", 10*time.Minute))

	clock.Advance(9 * time.Minute)
	members, err := db.SetMembers(ctx, "session", "tok1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"j1", "j2"}, members)
}

func TestSetsWithSameNamespaceDoNotCollide(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetAdd(ctx, "session", "tokA", "j1", time.Hour))
	require.NoError(t, db.SetAdd(ctx, "session", "tokB", "j2", time.Hour))

	members, err := db.SetMembers(ctx, "session", "tokA")
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, members)
}

func TestQueueOrderingAndCutoff(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	base := clock.Now()

	require.NoError(t, db.QueueAdd(ctx, "cleanup", "late", base.Add(30*time.Minute)))
	require.NoError(t, db.QueueAdd(ctx, "cleanup", "early", base.Add(5*time.Minute)))
	require.NoError(t, db.QueueAdd(ctx, "cleanup", "mid", base.Add(10*time.Minute)))

	due, err := db.QueueDueBefore(ctx, "cleanup", base.Add(10*time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"early", "mid"}, due, "cutoff is inclusive and order is ascending")

	// Read-only: entries stay until removed
	due, err = db.QueueDueBefore(ctx, "cleanup", base.Add(10*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
}

func TestQueueAddReplacesDueTime(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	base := clock.Now()

	require.NoError(t, db.QueueAdd(ctx, "cleanup", "j1", base.Add(5*time.Minute)))
	require.NoError(t, db.QueueAdd(ctx, "cleanup", "j1", base.Add(time.Hour)))

	due, err := db.QueueDueBefore(ctx, "cleanup", base.Add(30*time.Minute), 0)
	require.NoError(t, err)
	require.Empty(t, due, "old entry must be replaced, not duplicated")

	due, err = db.QueueDueBefore(ctx, "cleanup", base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, due)
}

func TestQueueRemoveIdempotent(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.QueueAdd(ctx, "cleanup", "j1", clock.Now()))
	require.NoError(t, db.QueueRemove(ctx, "cleanup", "j1"))
	require.NoError(t, db.QueueRemove(ctx, "cleanup", "j1"))

	due, err := db.QueueDueBefore(ctx, "cleanup", clock.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestQueueDueBeforeLimit(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()
	base := clock.Now()

	for i, member := range []string{"a", "b", "c"} {
		require.NoError(t, db.QueueAdd(ctx, "cleanup", member, base.Add(time.Duration(i)*time.Minute)))
	}

	due, err := db.QueueDueBefore(ctx, "cleanup", base.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, due)
}

func TestIncrCountsWithinWindow(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, err := db.Incr(ctx, "ratelimit", "1.2.3.4", time.Minute)
		require.NoError(t, err)
		require.Equal(t, i, count)
	}

	// Window elapses, counter restarts
	clock.Advance(2 * time.Minute)
	count, err := db.Incr(ctx, "ratelimit", "1.2.3.4", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestGetExpiredAndDeleteExpired(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, "session", "old", []byte("v"), time.Minute))
	require.NoError(t, db.Put(ctx, "session", "fresh", []byte("v"), time.Hour))
	require.NoError(t, db.SetAdd(ctx, "session", "old", "j1", time.Minute))

	clock.Advance(2 * time.Minute)

	expired, err := db.GetExpired(ctx, clock.Now(), 0)
	require.NoError(t, err)
	require.Len(t, expired, 2)

	require.NoError(t, db.DeleteExpired(ctx, expired))

	// Gone physically, and fresh data untouched
	expired, err = db.GetExpired(ctx, clock.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, expired)

	_, err = db.Get(ctx, "session", "fresh")
	require.NoError(t, err)
}

func TestReaperReclaimsExpired(t *testing.T) {
	db, clock := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, "job", "j1", []byte("v"), time.Minute))
	clock.Advance(2 * time.Minute)

	reaper := NewReaper(db)
	reaper.ReapNow(ctx)

	expired, err := db.GetExpired(ctx, clock.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestOperationsAfterClose(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Close())

	err := db.Put(ctx, "session", "tok1", []byte("v"), time.Hour)
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = db.Get(ctx, "session", "tok1")
	require.ErrorIs(t, err, ErrUnavailable)
}
