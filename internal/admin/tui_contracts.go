// Copyright 2025 James Ross
package admin

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/queueforge/queueforge/internal/jobqueue"
)

// ErrNotImplemented indicates a contract that has not yet been implemented.
var ErrNotImplemented = errors.New("not implemented")

// FailedItem represents a terminally-failed job suitable for TUI listing and
// operator action (requeue or purge).
type FailedItem struct {
	ID       string    `json:"id"`
	Queue    string    `json:"queue"`
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Code     string    `json:"code,omitempty"`
	Attempts int       `json:"attempts"`
	QueuedAt time.Time `json:"queued_at"`
	FailedAt time.Time `json:"failed_at,omitempty"`
}

// FailedJobService defines the contract for listing and acting on failed
// jobs, for a future TUI's DLQ-equivalent tab.
type FailedJobService interface {
	ListFailed(ctx context.Context, svc *jobqueue.Service, queueName string, offset, limit int) ([]FailedItem, int, error)
	RequeueFailed(ctx context.Context, svc *jobqueue.Service, ids []string, destQueue string) (int, error)
	PurgeFailed(ctx context.Context, svc *jobqueue.Service, ids []string) (int, error)
}

// ListFailed returns a page of failed jobs from queueName along with the
// offset to pass for the next page (0 once exhausted).
func ListFailed(ctx context.Context, svc *jobqueue.Service, queueName string, offset, limit int) ([]FailedItem, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	jobs, err := svc.ListJobs(ctx, queueName, jobqueue.ListFilters{
		Status: jobqueue.StatusFailed,
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]FailedItem, 0, len(jobs))
	for _, j := range jobs {
		item := FailedItem{
			ID:       j.ID,
			Queue:    j.QueueName,
			Type:     j.Type,
			Attempts: j.Retries,
			QueuedAt: j.QueuedAt,
		}
		if j.Error != nil {
			item.Reason = j.Error.Message
			item.Code = j.Error.Code
		}
		if j.CompletedAt != nil {
			item.FailedAt = *j.CompletedAt
		}
		out = append(out, item)
	}
	next := 0
	if len(jobs) == limit {
		next = offset + limit
	}
	return out, next, nil
}

// RequeueFailedItems resubmits the named failed job ids onto destQueue (or
// their original queue if empty).
func RequeueFailedItems(ctx context.Context, svc *jobqueue.Service, ids []string, destQueue string) (int, error) {
	return RequeueFailed(ctx, svc, ids, destQueue)
}

// PurgeFailedItems permanently removes the named failed job ids.
func PurgeFailedItems(ctx context.Context, svc *jobqueue.Service, ids []string) (int, error) {
	return svc.PurgeJobs(ctx, ids)
}

// QueueInstanceInfo summarizes one queue's configured capacity and current
// utilization, for a TUI's "workers" tab — this engine schedules goroutines
// within a bounded per-queue pool rather than exposing individually
// addressable worker processes, so utilization is reported per-queue
// instead of per-worker-id.
type QueueInstanceInfo struct {
	Queue   string `json:"queue"`
	Running int    `json:"running"`
	Queued  int    `json:"queued"`
}

// QueueInstanceService defines the contract for querying queue instance
// utilization.
type QueueInstanceService interface {
	QueueInstances(ctx context.Context, svc *jobqueue.Service) ([]QueueInstanceInfo, error)
}

// QueueInstances reports running/queued counts for every configured queue.
func QueueInstances(ctx context.Context, svc *jobqueue.Service) ([]QueueInstanceInfo, error) {
	stats := svc.AllStats(ctx)
	out := make([]QueueInstanceInfo, 0, len(stats))
	for name, st := range stats {
		out = append(out, QueueInstanceInfo{Queue: name, Running: st.Running, Queued: st.Queued})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out, nil
}

// JobEvent is a timeline event for a job used by a future time-travel
// debugger view.
type JobEvent struct {
	TS   time.Time      `json:"ts"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// TimelineService defines the contract for job timeline retrieval and
// streaming. Not yet implemented: the engine's Subscription Registry
// delivers live events to in-process observers but does not persist
// a replayable history, which a timeline view needs.
type TimelineService interface {
	JobTimeline(ctx context.Context, svc *jobqueue.Service, jobID string, start, end *time.Time, limit int) ([]JobEvent, error)
	SubscribeJob(ctx context.Context, svc *jobqueue.Service, jobID string) (<-chan JobEvent, func(), error)
}

// JobTimeline returns a bounded slice of events for a job ID, optionally
// filtered by time.
func JobTimeline(ctx context.Context, svc *jobqueue.Service, jobID string, start, end *time.Time, limit int) ([]JobEvent, error) {
	return nil, ErrNotImplemented
}

// SubscribeJob opens a live event stream for a job; returns a channel and a
// cancel func.
func SubscribeJob(ctx context.Context, svc *jobqueue.Service, jobID string) (<-chan JobEvent, func(), error) {
	return nil, func() {}, ErrNotImplemented
}
