// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStorageEnqueueDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	low := &Job{ID: "low", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	high := &Job{ID: "high", Priority: 5, Status: StatusQueued, QueuedAt: time.Now()}
	if err := storage.Enqueue(ctx, "q", low); err != nil {
		t.Fatal(err)
	}
	if err := storage.Enqueue(ctx, "q", high); err != nil {
		t.Fatal(err)
	}

	first, err := storage.Dequeue(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "high" {
		t.Fatalf("expected high priority first, got %s", first.ID)
	}
}

func TestMemoryStorageFindQueueResolvesOwningQueue(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	if err := storage.Enqueue(ctx, "q1", job); err != nil {
		t.Fatal(err)
	}

	name, ok := storage.FindQueue(ctx, "j1")
	if !ok || name != "q1" {
		t.Fatalf("expected to resolve q1, got %q, ok=%v", name, ok)
	}

	if _, ok := storage.FindQueue(ctx, "missing"); ok {
		t.Fatal("expected unknown id to not resolve")
	}
}

func TestMemoryStorageUpdateJobAdjustsStats(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	if err := storage.Enqueue(ctx, "q", job); err != nil {
		t.Fatal(err)
	}

	running := StatusRunning
	if _, err := storage.UpdateJob(ctx, "j1", "q", JobPatch{Status: &running}); err != nil {
		t.Fatal(err)
	}

	stats, err := storage.GetQueueStats(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 0 || stats.Running != 1 {
		t.Fatalf("unexpected stats after transition: %+v", stats)
	}
}

func TestMemoryStorageGetJobReturnsIndependentClone(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now(), Metadata: map[string]any{"k": "v"}}
	if err := storage.Enqueue(ctx, "q", job); err != nil {
		t.Fatal(err)
	}

	got, err := storage.GetJob(ctx, "j1", "q")
	if err != nil {
		t.Fatal(err)
	}
	got.Metadata["k"] = "mutated"

	again, err := storage.GetJob(ctx, "j1", "q")
	if err != nil {
		t.Fatal(err)
	}
	if again.Metadata["k"] != "v" {
		t.Fatal("expected GetJob to return an independent clone each call")
	}
}

func TestMemoryStorageRemoveJobClearsIndexAndStats(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	if err := storage.Enqueue(ctx, "q", job); err != nil {
		t.Fatal(err)
	}

	ok, err := storage.RemoveJob(ctx, "j1", "q")
	if err != nil || !ok {
		t.Fatalf("expected removal to succeed, ok=%v err=%v", ok, err)
	}

	if _, found := storage.FindQueue(ctx, "j1"); found {
		t.Fatal("expected index entry to be cleared")
	}
	stats, err := storage.GetQueueStats(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected stats to reflect removal, got %+v", stats)
	}
}

func TestMemoryStorageCancelQueuedOnlyAppliesToQueuedJobs(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	if err := storage.Enqueue(ctx, "q", job); err != nil {
		t.Fatal(err)
	}

	ok, err := storage.CancelQueued(ctx, "j1", "q")
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed on a queued job, ok=%v err=%v", ok, err)
	}

	running := &Job{ID: "j2", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	if err := storage.Enqueue(ctx, "q", running); err != nil {
		t.Fatal(err)
	}
	runningStatus := StatusRunning
	if _, err := storage.UpdateJob(ctx, "j2", "q", JobPatch{Status: &runningStatus}); err != nil {
		t.Fatal(err)
	}
	ok, err = storage.CancelQueued(ctx, "j2", "q")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected cancel to report false for an already-running job")
	}
}

func TestMemoryStorageListJobsFiltersSortsAndPaginates(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		job := &Job{
			ID:       string(rune('a' + i)),
			Type:     "email",
			Priority: i,
			Status:   StatusQueued,
			QueuedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := storage.Enqueue(ctx, "q", job); err != nil {
			t.Fatal(err)
		}
	}
	other := &Job{ID: "z", Type: "sms", Status: StatusQueued, QueuedAt: base}
	if err := storage.Enqueue(ctx, "q", other); err != nil {
		t.Fatal(err)
	}

	jobs, err := storage.ListJobs(ctx, "q", ListFilters{JobType: "email"})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 email jobs, got %d", len(jobs))
	}

	paged, err := storage.ListJobs(ctx, "q", ListFilters{JobType: "email", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 2 {
		t.Fatalf("expected a page of 2, got %d", len(paged))
	}

	byPriorityDesc, err := storage.ListJobs(ctx, "q", ListFilters{JobType: "email", SortBy: SortByPriority, SortOrder: SortDesc})
	if err != nil {
		t.Fatal(err)
	}
	if byPriorityDesc[0].Priority < byPriorityDesc[len(byPriorityDesc)-1].Priority {
		t.Fatal("expected descending priority order")
	}
}

func TestMemoryStorageReclaimStaleRequeuesOldRunningJobs(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	job := &Job{ID: "j1", Priority: 1, Status: StatusQueued, QueuedAt: time.Now()}
	if err := storage.Enqueue(ctx, "q", job); err != nil {
		t.Fatal(err)
	}

	stale := time.Now().Add(-time.Hour)
	running := StatusRunning
	if _, err := storage.UpdateJob(ctx, "j1", "q", JobPatch{Status: &running, StartedAt: &stale}); err != nil {
		t.Fatal(err)
	}

	n := storage.ReclaimStale("q", time.Minute)
	if n != 1 {
		t.Fatalf("expected 1 job reclaimed, got %d", n)
	}

	got, err := storage.Dequeue(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "j1" {
		t.Fatal("expected reclaimed job to be dispatchable again")
	}
}
