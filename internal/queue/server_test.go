package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmill/internal/domain"
	"flowmill/internal/store"
)

func setupTestQueue(t *testing.T, cfg Config) *Server {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewServer(db, cfg, zerolog.Nop())
}

func mustEnqueue(t *testing.T, q *Server, siteID, accountID int64, name string, priority int) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), siteID, accountID, domain.TaskRequest{
		UniqueName: name, Priority: priority,
	})
	require.NoError(t, err)
}

func lockNames(locks []domain.TaskLock) []string {
	names := make([]string, 0, len(locks))
	for _, l := range locks {
		names = append(names, l.UniqueName)
	}
	return names
}

func TestEnqueueDuplicateName(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 1, 100, domain.TaskRequest{UniqueName: "job-1"})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, 1, 100, domain.TaskRequest{UniqueName: "job-1"})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	// The same name under another site is a different task.
	_, err = q.Enqueue(ctx, 2, 100, domain.TaskRequest{UniqueName: "job-1"})
	require.NoError(t, err)

	// Deleting the task frees the name.
	locks, err := q.PollSite(ctx, 1, "agent-a", 60, 1)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.NoError(t, q.Delete(ctx, 1, locks[0].LockID, "agent-a"))

	_, err = q.Enqueue(ctx, 1, 100, domain.TaskRequest{UniqueName: "job-1"})
	require.NoError(t, err)
}

func TestEnqueueBatchAtomic(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	ids, err := q.EnqueueBatch(ctx, 1, 100, []domain.TaskRequest{
		{UniqueName: "batch-1"},
		{UniqueName: "batch-2"},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	// One duplicate in the batch rolls back the whole batch.
	_, err = q.EnqueueBatch(ctx, 1, 100, []domain.TaskRequest{
		{UniqueName: "batch-3"},
		{UniqueName: "batch-2"},
	})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	locks, err := q.PollSite(ctx, 1, "agent-a", 60, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"batch-1", "batch-2"}, lockNames(locks))
}

func TestPollOrdering(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	for _, name := range []string{"1", "2", "3", "4"} {
		mustEnqueue(t, q, 1, 100, name, 0)
	}

	locks, err := q.PollSite(ctx, 1, "agent-a", 60, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, lockNames(locks))

	locks, err = q.PollSite(ctx, 1, "agent-a", 60, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, lockNames(locks))

	locks, err = q.PollSite(ctx, 1, "agent-a", 60, 2)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestPollPriority(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	mustEnqueue(t, q, 1, 100, "low", 10)
	mustEnqueue(t, q, 1, 100, "high", 1)
	mustEnqueue(t, q, 1, 100, "mid", 5)

	locks, err := q.PollSite(ctx, 1, "agent-a", 60, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, lockNames(locks))
}

func TestSiteConcurrencyCap(t *testing.T) {
	q := setupTestQueue(t, Config{SiteMaxConcurrency: map[int64]int{1: 2}})
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		mustEnqueue(t, q, 1, 100, name, 0)
	}

	locks, err := q.PollSite(ctx, 1, "agent-a", 60, 10)
	require.NoError(t, err)
	require.Len(t, locks, 2)

	// The cap is reached even though a task is eligible.
	more, err := q.PollSite(ctx, 1, "agent-b", 60, 10)
	require.NoError(t, err)
	assert.Empty(t, more)

	// Completing one frees a slot.
	require.NoError(t, q.Delete(ctx, 1, locks[0].LockID, "agent-a"))
	more, err = q.PollSite(ctx, 1, "agent-b", 60, 10)
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, "c", more[0].UniqueName)
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	mustEnqueue(t, q, 1, 100, "job-1", 0)

	// Negative lease: expired the moment it is granted.
	locks, err := q.PollSite(ctx, 1, "agent-a", -1, 1)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, 0, locks[0].RetryCount)

	// Another agent claims over the dead lease; the retry counter ticks.
	locks, err = q.PollSite(ctx, 1, "agent-b", 60, 1)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "job-1", locks[0].UniqueName)
	assert.Equal(t, 1, locks[0].RetryCount)

	// A live lease shields the task from other pollers.
	more, err := q.PollSite(ctx, 1, "agent-c", 60, 1)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestExpireLocks(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	mustEnqueue(t, q, 1, 100, "job-1", 0)
	mustEnqueue(t, q, 1, 100, "job-2", 0)

	locks, err := q.PollSite(ctx, 1, "agent-a", 60, 2)
	require.NoError(t, err)
	require.Len(t, locks, 2)

	// Expire job-1 by shrinking its lease into the past.
	_, err = q.Heartbeat(ctx, 1, []string{locks[0].LockID}, "agent-a", -1)
	require.NoError(t, err)

	n, err := q.ExpireLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The expired task is eligible again with its retry counter bumped.
	locks, err = q.PollSite(ctx, 1, "agent-b", 60, 2)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "job-1", locks[0].UniqueName)
	assert.Equal(t, 1, locks[0].RetryCount)
}

func TestHeartbeat(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	mustEnqueue(t, q, 1, 100, "job-1", 0)
	mustEnqueue(t, q, 1, 100, "job-2", 0)

	locks, err := q.PollSite(ctx, 1, "agent-a", 60, 2)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	ids := []string{locks[0].LockID, locks[1].LockID}

	failed, err := q.Heartbeat(ctx, 1, ids, "agent-a", 60)
	require.NoError(t, err)
	assert.Empty(t, failed)

	// Wrong agent: both rejected, leases untouched.
	failed, err = q.Heartbeat(ctx, 1, ids, "agent-b", 60)
	require.NoError(t, err)
	assert.Equal(t, ids, failed)

	// Wrong site: rejected.
	failed, err = q.Heartbeat(ctx, 2, ids[:1], "agent-a", 60)
	require.NoError(t, err)
	assert.Equal(t, ids[:1], failed)

	// An expired lease cannot be revived by heartbeat.
	mustEnqueue(t, q, 1, 100, "job-3", 0)
	dead, err := q.PollSite(ctx, 1, "agent-a", -1, 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	failed, err = q.Heartbeat(ctx, 1, []string{dead[0].LockID}, "agent-a", 60)
	require.NoError(t, err)
	assert.Equal(t, []string{dead[0].LockID}, failed)
}

func TestDeleteOwnership(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	mustEnqueue(t, q, 1, 100, "job-1", 0)
	locks, err := q.PollSite(ctx, 1, "agent-a", 60, 1)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	lockID := locks[0].LockID

	// Wrong site: the lock does not exist there.
	err = q.Delete(ctx, 2, lockID, "agent-a")
	assert.True(t, domain.IsNotFound(err))

	// Right site, wrong agent: owned by someone else.
	err = q.Delete(ctx, 1, lockID, "agent-b")
	assert.True(t, domain.IsConflict(err))

	require.NoError(t, q.Delete(ctx, 1, lockID, "agent-a"))

	// Already gone.
	err = q.Delete(ctx, 1, lockID, "agent-a")
	assert.True(t, domain.IsNotFound(err))
}

func TestPollAcrossSites(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	mustEnqueue(t, q, 1, 100, "s1-a", 0)
	mustEnqueue(t, q, 1, 100, "s1-b", 0)
	mustEnqueue(t, q, 2, 200, "s2-a", 0)

	locks, err := q.Poll(ctx, "agent-a", 60, 10, RouteAll())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1-a", "s1-b", "s2-a"}, lockNames(locks))

	// maxCount bounds the total across sites.
	q2 := setupTestQueue(t, Config{})
	mustEnqueue(t, q2, 1, 100, "s1-a", 0)
	mustEnqueue(t, q2, 2, 200, "s2-a", 0)
	locks, err = q2.Poll(ctx, "agent-a", 60, 1, RouteAll())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1-a"}, lockNames(locks))
}

func TestAccountRouting(t *testing.T) {
	q := setupTestQueue(t, Config{})
	ctx := context.Background()

	mustEnqueue(t, q, 1, 100, "acct100", 0)
	mustEnqueue(t, q, 2, 200, "acct200", 0)

	locks, err := q.Poll(ctx, "agent-a", 60, 10, RouteInclude(100))
	require.NoError(t, err)
	assert.Equal(t, []string{"acct100"}, lockNames(locks))
	require.NoError(t, q.Delete(ctx, 1, locks[0].LockID, "agent-a"))

	locks, err = q.Poll(ctx, "agent-a", 60, 10, RouteExclude(100))
	require.NoError(t, err)
	assert.Equal(t, []string{"acct200"}, lockNames(locks))
	require.NoError(t, q.Delete(ctx, 2, locks[0].LockID, "agent-a"))

	// An include list with no accounts admits nothing.
	mustEnqueue(t, q, 1, 100, "again", 0)
	locks, err = q.Poll(ctx, "agent-a", 60, 10, RouteInclude())
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestRoutingAdmits(t *testing.T) {
	assert.True(t, RouteAll().Admits(7))
	assert.False(t, RouteAll().Enabled())

	in := RouteInclude(1, 2)
	assert.True(t, in.Enabled())
	assert.True(t, in.Admits(1))
	assert.False(t, in.Admits(3))

	ex := RouteExclude(1, 2)
	assert.True(t, ex.Admits(3))
	assert.False(t, ex.Admits(2))

	assert.False(t, RouteInclude().Admits(1))
}
