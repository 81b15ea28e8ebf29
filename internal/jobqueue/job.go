// Copyright 2025 James Ross
package jobqueue

import (
	"time"

	"github.com/google/uuid"
)

// Status is one of a job's lifecycle states. Completed, Failed and Cancelled
// are absorbing: no transition ever leaves them.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is an opaque-payload work item. Data and Result are caller-opaque;
// the engine never inspects them beyond passing them through.
type Job struct {
	ID              string
	Type            string
	QueueName       string
	Data            any
	Status          Status
	Priority        int
	Progress        int
	ProgressMessage string
	QueuedAt        time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Retries         int
	MaxRetries      int
	Timeout         time.Duration
	Result          any
	Error           *JobError
	Metadata        map[string]any

	// NotBefore is set on a retried job to delay its next dequeue until the
	// backoff window elapses. Zero means immediately eligible.
	NotBefore time.Time
}

// SubmitOptions carries the caller-supplied overrides for Service.Add. A nil
// pointer field means "use the queue's configured default"; this is what
// lets callers explicitly request MaxRetries: 0 without it being confused
// with "unset".
type SubmitOptions struct {
	Priority   int
	MaxRetries *int
	Timeout    time.Duration
	Metadata   map[string]any
}

// NewJob constructs a queued job, applying queue defaults for any unset
// option. Identity is a generated UUID.
func NewJob(queueName, jobType string, data any, defaults QueueConfig, opts SubmitOptions) *Job {
	priority := opts.Priority
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaults.DefaultTimeout
	}
	maxRetries := defaults.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	meta := opts.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		QueueName:  queueName,
		Data:       data,
		Status:     StatusQueued,
		Priority:   priority,
		QueuedAt:   time.Now(),
		MaxRetries: maxRetries,
		Timeout:    timeout,
		Metadata:   meta,
	}
}

// Clone returns a deep-enough copy safe to hand to callers without letting
// them mutate engine-owned state through the Data/Result/Metadata maps'
// top-level struct fields (Data/Result themselves remain caller-opaque and
// are not deep-copied).
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.Metadata != nil {
		m := make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			m[k] = v
		}
		cp.Metadata = m
	}
	return &cp
}
