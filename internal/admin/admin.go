// Copyright 2025 James Ross
package admin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/queueforge/queueforge/internal/jobqueue"
)

// StatsResult summarizes every configured queue's counts for the admin
// stats command.
type StatsResult struct {
	Queues map[string]jobqueue.QueueStats `json:"queues"`
}

// Stats returns the engine-wide stats snapshot.
func Stats(ctx context.Context, svc *jobqueue.Service) StatsResult {
	return StatsResult{Queues: svc.AllStats(ctx)}
}

// PeekResult is a page of jobs from one queue, for admin inspection.
type PeekResult struct {
	Queue string          `json:"queue"`
	Jobs  []*jobqueue.Job `json:"jobs"`
}

// Peek returns up to n jobs from queueName, most recently queued first.
func Peek(ctx context.Context, svc *jobqueue.Service, queueName string, n int) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	jobs, err := svc.ListJobs(ctx, queueName, jobqueue.ListFilters{
		Limit:     n,
		SortBy:    jobqueue.SortByQueuedAt,
		SortOrder: jobqueue.SortDesc,
	})
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: queueName, Jobs: jobs}, nil
}

// PurgeFailed removes every failed job from queueName and returns the count
// removed. Used by the admin CLI's "purge-dlq"-equivalent command, since
// this engine has no separate dead-letter list: a job that exhausts its
// retries simply sits in the queue's failed set.
func PurgeFailed(ctx context.Context, svc *jobqueue.Service, queueName string) (int, error) {
	jobs, err := svc.ListJobs(ctx, queueName, jobqueue.ListFilters{Status: jobqueue.StatusFailed})
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return svc.PurgeJobs(ctx, ids)
}

// RequeueFailed resubmits the named failed jobs, optionally onto a
// different destination queue. Returns how many were requeued.
func RequeueFailed(ctx context.Context, svc *jobqueue.Service, ids []string, destQueue string) (int, error) {
	n := 0
	for _, id := range ids {
		if _, err := svc.RequeueFailed(ctx, id, destQueue); err != nil {
			return n, fmt.Errorf("requeue %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// BenchResult reports the outcome of an end-to-end throughput benchmark.
type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// Bench submits count jobs of jobType to queueName at roughly rate jobs/sec,
// then polls until all have reached a terminal state or timeout elapses,
// reporting throughput and queueing latency from each job's QueuedAt vs.
// CompletedAt.
func Bench(ctx context.Context, svc *jobqueue.Service, queueName, jobType string, count, rate int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if rate <= 0 {
		rate = 100
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		id, err := svc.Add(ctx, queueName, jobType, map[string]any{"bench_index": i}, jobqueue.SubmitOptions{})
		if err != nil {
			return res, err
		}
		ids = append(ids, id)
	}

	doneBy := time.Now().Add(timeout)
	for time.Now().Before(doneBy) {
		if allTerminal(ctx, svc, queueName, ids) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}

	lats := make([]float64, 0, len(ids))
	now := time.Now()
	for _, id := range ids {
		job, err := svc.GetJob(ctx, id, queueName)
		if err != nil || job == nil {
			continue
		}
		end := now
		if job.CompletedAt != nil {
			end = *job.CompletedAt
		}
		lats = append(lats, end.Sub(job.QueuedAt).Seconds())
	}
	if len(lats) > 0 {
		sort.Float64s(lats)
		res.P50 = time.Duration(lats[int(math.Round(0.50*float64(len(lats)-1)))] * float64(time.Second))
		res.P95 = time.Duration(lats[int(math.Round(0.95*float64(len(lats)-1)))] * float64(time.Second))
	}
	return res, nil
}

func allTerminal(ctx context.Context, svc *jobqueue.Service, queueName string, ids []string) bool {
	for _, id := range ids {
		job, err := svc.GetJob(ctx, id, queueName)
		if err != nil || job == nil || !job.Status.Terminal() {
			return false
		}
	}
	return true
}
