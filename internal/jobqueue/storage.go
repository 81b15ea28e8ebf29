// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"time"
)

// SortField selects the field listJobs sorts by.
type SortField string

const (
	SortByQueuedAt SortField = "queuedAt"
	SortByPriority SortField = "priority"
	SortByStatus   SortField = "status"
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListFilters narrows and paginates ListJobs results.
type ListFilters struct {
	Status    Status
	JobType   string
	Limit     int
	Offset    int
	SortBy    SortField
	SortOrder SortOrder
}

// QueueStats is the incrementally maintained count set returned by
// GetQueueStats; Total must always equal the sum of the per-status counts.
type QueueStats struct {
	Total     int
	Queued    int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// JobPatch mutates a subset of a job's fields; nil/zero fields are left
// untouched except where the corresponding Set* flag is true.
type JobPatch struct {
	Status          *Status
	Progress        *int
	ProgressMessage *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Retries         *int
	Result          any
	SetResult       bool
	Error           *JobError
	NotBefore       *time.Time
}

// Storage is the persistence capability the engine depends on. The engine
// never assumes a specific backend; MemoryStorage is the default, in-process
// implementation and the only one exercised without an external dependency.
//
// Guarantees expected by the engine: Dequeue returns exactly one caller's
// job or none (no duplicate dispatch in-process); UpdateJob is observable
// atomically by subsequent reads in the same process; stats remain
// consistent with the job set after any successful mutation.
type Storage interface {
	Enqueue(ctx context.Context, queueName string, job *Job) error
	EnqueueAt(ctx context.Context, queueName string, job *Job, notBefore time.Time) error

	// Requeue re-inserts a job that was previously Dequeue'd back into the
	// heap at notBefore, without touching queue stats (the job is already
	// accounted for from its original Enqueue). Used for retry backoff.
	Requeue(ctx context.Context, queueName string, job *Job, notBefore time.Time) error

	Dequeue(ctx context.Context, queueName string) (*Job, error)
	Peek(ctx context.Context, queueName string) (*Job, error)
	GetJob(ctx context.Context, id string, queueName string) (*Job, error)
	ListJobs(ctx context.Context, queueName string, filters ListFilters) ([]*Job, error)
	UpdateJob(ctx context.Context, id string, queueName string, patch JobPatch) (*Job, error)
	RemoveJob(ctx context.Context, id string, queueName string) (bool, error)

	// CancelQueued atomically pulls a still-queued job out of dispatch
	// eligibility and marks it cancelled. Returns false if the job is not
	// currently queued (already running or terminal), in which case the
	// caller must fall back to signalling a running worker instead.
	CancelQueued(ctx context.Context, id string, queueName string) (bool, error)
	GetQueueStats(ctx context.Context, queueName string) (QueueStats, error)

	// FindQueue resolves the queue owning a job id in O(1), used by
	// Service.CancelJob/GetJob when the caller omits queueName.
	FindQueue(ctx context.Context, id string) (string, bool)

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}
