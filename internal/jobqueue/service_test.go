// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestServiceAddAndGetJob(t *testing.T) {
	svc := NewService(ServiceConfig{
		Queues: map[string]QueueConfig{"default": DefaultQueueConfig()},
	}, NewMemoryStorage(), nil, zap.NewNop())

	id, err := svc.Add(context.Background(), "default", "email", map[string]any{"to": "a@b.com"}, SubmitOptions{Priority: 3})
	if err != nil {
		t.Fatal(err)
	}

	job, err := svc.GetJob(context.Background(), id, "")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected job to be found")
	}
	if job.Priority != 3 {
		t.Fatalf("expected priority to round-trip, got %d", job.Priority)
	}
}

func TestServiceAddToUnknownQueueFails(t *testing.T) {
	svc := NewService(ServiceConfig{}, NewMemoryStorage(), nil, zap.NewNop())
	if _, err := svc.Add(context.Background(), "ghost", "email", nil, SubmitOptions{}); err == nil {
		t.Fatal("expected an error submitting to an unconfigured queue")
	}
}

func TestServiceSubscribeReceivesLifecycleEvents(t *testing.T) {
	svc := NewService(ServiceConfig{
		Queues: map[string]QueueConfig{"default": DefaultQueueConfig()},
	}, NewMemoryStorage(), nil, zap.NewNop())
	svc.RegisterHandler("default", "echo", func(hctx *HandlerContext) (any, error) {
		hctx.Progress(50, "working")
		return "ok", nil
	})
	if err := svc.StartAll(); err != nil {
		t.Fatal(err)
	}
	defer svc.StopAll(StopAllOptions{})

	completed := make(chan any, 1)
	id, err := svc.Add(context.Background(), "default", "echo", nil, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	unsubscribe := svc.Subscribe(id, Observer{
		OnCompleted: func(result any) { completed <- result },
	})
	defer unsubscribe()

	select {
	case result := <-completed:
		if result != "ok" {
			t.Fatalf("expected result ok, got %v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("never received completion event")
	}
}

func TestServiceListJobsAndStats(t *testing.T) {
	svc := NewService(ServiceConfig{
		Queues: map[string]QueueConfig{"default": DefaultQueueConfig()},
	}, NewMemoryStorage(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := svc.Add(context.Background(), "default", "email", nil, SubmitOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := svc.ListJobs(context.Background(), "default", ListFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}

	stats, err := svc.GetStats(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Queued != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	all := svc.AllStats(context.Background())
	if all["default"].Total != 3 {
		t.Fatalf("expected AllStats to include default queue, got %+v", all)
	}
}

func TestServiceCancelQueuedJob(t *testing.T) {
	svc := NewService(ServiceConfig{
		Queues: map[string]QueueConfig{"default": DefaultQueueConfig()},
	}, NewMemoryStorage(), nil, zap.NewNop())

	id, err := svc.Add(context.Background(), "default", "email", nil, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := svc.CancelJob(context.Background(), id, "default", "no longer needed")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected cancel to succeed on a queued job")
	}

	job, err := svc.GetJob(context.Background(), id, "")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}

	ok, err = svc.CancelJob(context.Background(), id, "default", "again")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected cancelling an already-terminal job to be a no-op")
	}
}

func TestServiceReclaimStaleReportsUnsupportedForBackendsWithoutIt(t *testing.T) {
	svc := NewService(ServiceConfig{
		Queues: map[string]QueueConfig{"default": DefaultQueueConfig()},
	}, unsupportingStorage{inner: NewMemoryStorage()}, nil, zap.NewNop())

	_, supported := svc.ReclaimStale("default", time.Minute)
	if supported {
		t.Fatal("expected ReclaimStale to report unsupported for a storage without the capability")
	}
}

// unsupportingStorage delegates the full Storage interface to an underlying
// MemoryStorage without embedding it, so its method set deliberately omits
// ReclaimStale. Exercises Service's type-assertion fallback for a backend
// that cannot reclaim stale jobs.
type unsupportingStorage struct {
	inner *MemoryStorage
}

func (u unsupportingStorage) Enqueue(ctx context.Context, queueName string, job *Job) error {
	return u.inner.Enqueue(ctx, queueName, job)
}
func (u unsupportingStorage) EnqueueAt(ctx context.Context, queueName string, job *Job, notBefore time.Time) error {
	return u.inner.EnqueueAt(ctx, queueName, job, notBefore)
}
func (u unsupportingStorage) Requeue(ctx context.Context, queueName string, job *Job, notBefore time.Time) error {
	return u.inner.Requeue(ctx, queueName, job, notBefore)
}
func (u unsupportingStorage) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	return u.inner.Dequeue(ctx, queueName)
}
func (u unsupportingStorage) Peek(ctx context.Context, queueName string) (*Job, error) {
	return u.inner.Peek(ctx, queueName)
}
func (u unsupportingStorage) GetJob(ctx context.Context, id string, queueName string) (*Job, error) {
	return u.inner.GetJob(ctx, id, queueName)
}
func (u unsupportingStorage) ListJobs(ctx context.Context, queueName string, filters ListFilters) ([]*Job, error) {
	return u.inner.ListJobs(ctx, queueName, filters)
}
func (u unsupportingStorage) UpdateJob(ctx context.Context, id string, queueName string, patch JobPatch) (*Job, error) {
	return u.inner.UpdateJob(ctx, id, queueName, patch)
}
func (u unsupportingStorage) RemoveJob(ctx context.Context, id string, queueName string) (bool, error) {
	return u.inner.RemoveJob(ctx, id, queueName)
}
func (u unsupportingStorage) CancelQueued(ctx context.Context, id string, queueName string) (bool, error) {
	return u.inner.CancelQueued(ctx, id, queueName)
}
func (u unsupportingStorage) GetQueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	return u.inner.GetQueueStats(ctx, queueName)
}
func (u unsupportingStorage) FindQueue(ctx context.Context, id string) (string, bool) {
	return u.inner.FindQueue(ctx, id)
}
func (u unsupportingStorage) Connect(ctx context.Context) error    { return u.inner.Connect(ctx) }
func (u unsupportingStorage) Disconnect(ctx context.Context) error { return u.inner.Disconnect(ctx) }
func (u unsupportingStorage) HealthCheck(ctx context.Context) error {
	return u.inner.HealthCheck(ctx)
}

func TestServicePurgeAndRequeueFailed(t *testing.T) {
	svc := NewService(ServiceConfig{
		Queues: map[string]QueueConfig{"default": DefaultQueueConfig()},
	}, NewMemoryStorage(), nil, zap.NewNop())
	svc.RegisterHandler("default", "fail", func(hctx *HandlerContext) (any, error) {
		return nil, &HandlerError{Message: "nope", Code: "NOPE"}
	})
	if err := svc.StartAll(); err != nil {
		t.Fatal(err)
	}
	defer svc.StopAll(StopAllOptions{})

	id, err := svc.Add(context.Background(), "default", "fail", nil, SubmitOptions{MaxRetries: intPtr(0)})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		job, err := svc.GetJob(context.Background(), id, "")
		if err != nil {
			t.Fatal(err)
		}
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached a terminal state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	newID, err := svc.RequeueFailed(context.Background(), id, "")
	if err != nil {
		t.Fatal(err)
	}
	if newID == "" || newID == id {
		t.Fatalf("expected a distinct new job id, got %q", newID)
	}

	original, err := svc.GetJob(context.Background(), id, "default")
	if err != nil {
		t.Fatal(err)
	}
	if original != nil {
		t.Fatal("expected the original failed job to be purged after requeue")
	}
}

func TestServicePurgeJobsRemovesTerminalJobs(t *testing.T) {
	svc := NewService(ServiceConfig{
		Queues: map[string]QueueConfig{"default": DefaultQueueConfig()},
	}, NewMemoryStorage(), nil, zap.NewNop())

	id, err := svc.Add(context.Background(), "default", "email", nil, SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := svc.CancelJob(context.Background(), id, "default", "cleanup"); err != nil || !ok {
		t.Fatalf("expected cancel to succeed, ok=%v err=%v", ok, err)
	}

	purged, err := svc.PurgeJobs(context.Background(), []string{id, "does-not-exist"})
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected exactly 1 job purged, got %d", purged)
	}

	job, err := svc.GetJob(context.Background(), id, "default")
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatal("expected purged job to be gone")
	}
}

func TestServiceListQueuesIsSorted(t *testing.T) {
	svc := NewService(ServiceConfig{
		Queues: map[string]QueueConfig{
			"zeta":  DefaultQueueConfig(),
			"alpha": DefaultQueueConfig(),
			"mid":   DefaultQueueConfig(),
		},
	}, NewMemoryStorage(), nil, zap.NewNop())

	got := svc.ListQueues()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func intPtr(v int) *int { return &v }
