// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStorage(client, "test"), mr
}

func TestRedisStorageEnqueueDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	storage, _ := newTestRedisStorage(t)
	ctx := context.Background()

	low := &Job{ID: "low", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	highFirst := &Job{ID: "high-1", Priority: 5, Status: StatusQueued, QueuedAt: time.Now()}
	highSecond := &Job{ID: "high-2", Priority: 5, Status: StatusQueued, QueuedAt: time.Now()}

	require.NoError(t, storage.Enqueue(ctx, "q", low))
	require.NoError(t, storage.Enqueue(ctx, "q", highFirst))
	require.NoError(t, storage.Enqueue(ctx, "q", highSecond))

	first, err := storage.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "high-1", first.ID)

	second, err := storage.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "high-2", second.ID)

	third, err := storage.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "low", third.ID)

	empty, err := storage.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestRedisStorageEnqueueAtDelaysUntilDue(t *testing.T) {
	storage, _ := newTestRedisStorage(t)
	ctx := context.Background()

	job := &Job{ID: "delayed", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	notBefore := time.Now().Add(100 * time.Millisecond)
	require.NoError(t, storage.EnqueueAt(ctx, "q", job, notBefore))

	got, err := storage.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, got, "job should not be eligible before notBefore")

	time.Sleep(150 * time.Millisecond)
	got, err = storage.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "delayed", got.ID)
}

func TestRedisStorageUpdateJobAdjustsStats(t *testing.T) {
	storage, _ := newTestRedisStorage(t)
	ctx := context.Background()

	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	require.NoError(t, storage.Enqueue(ctx, "q", job))

	stats, err := storage.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Queued)

	running := StatusRunning
	_, err = storage.UpdateJob(ctx, "j1", "q", JobPatch{Status: &running})
	require.NoError(t, err)

	stats, err = storage.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 1, stats.Running)
}

func TestRedisStorageRemoveJobClearsIndexAndStats(t *testing.T) {
	storage, _ := newTestRedisStorage(t)
	ctx := context.Background()

	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	require.NoError(t, storage.Enqueue(ctx, "q", job))

	ok, err := storage.RemoveJob(ctx, "j1", "q")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := storage.GetJob(ctx, "j1", "q")
	require.NoError(t, err)
	assert.Nil(t, got)

	stats, err := storage.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	_, found := storage.FindQueue(ctx, "j1")
	assert.False(t, found)
}

func TestRedisStorageCancelQueuedRemovesFromReadySet(t *testing.T) {
	storage, _ := newTestRedisStorage(t)
	ctx := context.Background()

	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	require.NoError(t, storage.Enqueue(ctx, "q", job))

	ok, err := storage.CancelQueued(ctx, "j1", "q")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := storage.GetJob(ctx, "j1", "q")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusCancelled, got.Status)

	empty, err := storage.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, empty)

	// A job already running cannot be cancelled through CancelQueued.
	running := &Job{ID: "j2", Priority: 1, Status: StatusRunning, QueuedAt: time.Now()}
	require.NoError(t, storage.Enqueue(ctx, "q", running))
	runningStatus := StatusRunning
	_, err = storage.UpdateJob(ctx, "j2", "q", JobPatch{Status: &runningStatus})
	require.NoError(t, err)
	ok, err = storage.CancelQueued(ctx, "j2", "q")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStorageReclaimStaleRequeuesOldRunningJobs(t *testing.T) {
	storage, _ := newTestRedisStorage(t)
	ctx := context.Background()

	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	require.NoError(t, storage.Enqueue(ctx, "q", job))

	stale := time.Now().Add(-time.Hour)
	running := StatusRunning
	_, err := storage.UpdateJob(ctx, "j1", "q", JobPatch{Status: &running, StartedAt: &stale})
	require.NoError(t, err)

	n := storage.ReclaimStale("q", time.Minute)
	assert.Equal(t, 1, n)

	got, err := storage.GetJob(ctx, "j1", "q")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	stats, err := storage.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 0, stats.Running)
}

func TestRedisStorageListJobsFiltersAndPaginates(t *testing.T) {
	storage, _ := newTestRedisStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := &Job{ID: "j" + string(rune('a'+i)), Type: "email", Status: StatusQueued, QueuedAt: time.Now()}
		require.NoError(t, storage.Enqueue(ctx, "q", job))
	}
	other := &Job{ID: "other", Type: "sms", Status: StatusQueued, QueuedAt: time.Now()}
	require.NoError(t, storage.Enqueue(ctx, "q", other))

	jobs, err := storage.ListJobs(ctx, "q", ListFilters{JobType: "email", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, "email", j.Type)
	}
}
