package agent

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmill/internal/domain"
	"flowmill/internal/queue"
	"flowmill/internal/store"
)

func setupAgentQueue(t *testing.T) (*queue.Server, *sql.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return queue.NewServer(db, queue.Config{}, zerolog.Nop()), db
}

func taskCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM queued_tasks`).Scan(&n))
	return n
}

func TestAgentProcessesTasks(t *testing.T) {
	q, db := setupAgentQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, name := range []string{"job-a", "job-b"} {
		_, err := q.Enqueue(ctx, 1, 100, domain.TaskRequest{UniqueName: name})
		require.NoError(t, err)
	}

	handled := make(chan string, 2)
	a := New(q, HandlerFunc(func(_ context.Context, task domain.TaskLock) error {
		handled <- task.UniqueName
		return nil
	}), Config{
		SiteID:       1,
		LeaseSeconds: 60,
		Concurrency:  2,
		Backoff:      Backoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	}, zerolog.Nop())
	go a.Run(ctx)

	names := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-handled:
			names[name] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}
	assert.True(t, names["job-a"])
	assert.True(t, names["job-b"])

	// Completed tasks are deleted from the queue.
	assert.Eventually(t, func() bool { return taskCount(t, db) == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestAgentAbandonsFailedTask(t *testing.T) {
	q, db := setupAgentQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, 1, 100, domain.TaskRequest{UniqueName: "job-fail"})
	require.NoError(t, err)

	handled := make(chan struct{}, 1)
	a := New(q, HandlerFunc(func(context.Context, domain.TaskLock) error {
		select {
		case handled <- struct{}{}:
		default:
		}
		return errors.New("handler failed")
	}), Config{
		SiteID:       1,
		LeaseSeconds: 60,
		Concurrency:  1,
		Backoff:      Backoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	}, zerolog.Nop())
	go a.Run(ctx)

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
	cancel()

	// The task is not deleted; it stays leased until expiry redelivers it.
	assert.Equal(t, 1, taskCount(t, db))
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(10))

	// Zero value gets usable defaults.
	assert.Equal(t, 250*time.Millisecond, Backoff{}.Delay(1))
	assert.Equal(t, 250*time.Millisecond, Backoff{}.Delay(0))
}
