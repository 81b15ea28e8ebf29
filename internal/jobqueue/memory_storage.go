// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// perQueue bundles one queue's heap and job index behind its own lock, so
// that a slow operation on one queue never blocks another (fine-grained
// locking over a single global mutex).
type perQueue struct {
	mu    sync.RWMutex
	heap  *PriorityQueue
	jobs  map[string]*Job
	stats QueueStats
}

// MemoryStorage is the default Storage adapter: per-process, in-memory, safe
// for concurrent access across queues and within a queue.
type MemoryStorage struct {
	mu     sync.RWMutex
	queues map[string]*perQueue
	jobToQ map[string]string
}

// NewMemoryStorage returns a ready-to-use in-memory Storage adapter.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		queues: make(map[string]*perQueue),
		jobToQ: make(map[string]string),
	}
}

func (m *MemoryStorage) queueFor(name string) *perQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = &perQueue{heap: NewPriorityQueue(), jobs: make(map[string]*Job)}
		m.queues[name] = q
	}
	return q
}

func (m *MemoryStorage) Connect(ctx context.Context) error    { return nil }
func (m *MemoryStorage) Disconnect(ctx context.Context) error { return nil }
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MemoryStorage) Enqueue(ctx context.Context, queueName string, job *Job) error {
	return m.EnqueueAt(ctx, queueName, job, time.Time{})
}

// EnqueueAt stores its own clone of job, never the caller's pointer, so a
// concurrent mutation by the caller (or a later Dequeue handing the stored
// copy to a different goroutine) can never race with a read elsewhere in
// the adapter.
func (m *MemoryStorage) EnqueueAt(ctx context.Context, queueName string, job *Job, notBefore time.Time) error {
	stored := job.Clone()
	q := m.queueFor(queueName)
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.heap.EnqueueAt(stored, stored.Priority, notBefore); err != nil {
		return err
	}
	q.jobs[stored.ID] = stored
	q.stats.Total++
	q.stats.Queued++

	m.mu.Lock()
	m.jobToQ[stored.ID] = queueName
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Requeue(ctx context.Context, queueName string, job *Job, notBefore time.Time) error {
	stored := job.Clone()
	q := m.queueFor(queueName)
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.heap.EnqueueAt(stored, stored.Priority, notBefore); err != nil {
		return err
	}
	q.jobs[stored.ID] = stored
	return nil
}

// Dequeue hands the caller its own clone of the stored job. The caller (an
// Instance running the job) is then free to mutate fields on its copy while
// it executes, without synchronizing against concurrent GetJob/ListJobs
// reads of the adapter's own copy; every field change it wants reflected in
// storage still has to go through UpdateJob under the queue's lock.
func (m *MemoryStorage) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	q := m.queueFor(queueName)
	q.mu.Lock()
	job := q.heap.Dequeue()
	q.mu.Unlock()
	if job == nil {
		return nil, nil
	}
	return job.Clone(), nil
}

func (m *MemoryStorage) Peek(ctx context.Context, queueName string) (*Job, error) {
	q := m.queueFor(queueName)
	q.mu.RLock()
	defer q.mu.RUnlock()
	job := q.heap.Peek()
	if job == nil {
		return nil, nil
	}
	return job.Clone(), nil
}

func (m *MemoryStorage) resolveQueue(id, queueName string) (string, bool) {
	if queueName != "" {
		return queueName, true
	}
	return m.FindQueue(context.Background(), id)
}

func (m *MemoryStorage) FindQueue(ctx context.Context, id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.jobToQ[id]
	return name, ok
}

func (m *MemoryStorage) GetJob(ctx context.Context, id string, queueName string) (*Job, error) {
	name, ok := m.resolveQueue(id, queueName)
	if !ok {
		return nil, nil
	}
	q := m.queueFor(name)
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (m *MemoryStorage) ListJobs(ctx context.Context, queueName string, filters ListFilters) ([]*Job, error) {
	q := m.queueFor(queueName)
	q.mu.RLock()
	all := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if filters.Status != "" && j.Status != filters.Status {
			continue
		}
		if filters.JobType != "" && j.Type != filters.JobType {
			continue
		}
		all = append(all, j.Clone())
	}
	q.mu.RUnlock()

	sortBy := filters.SortBy
	if sortBy == "" {
		sortBy = SortByQueuedAt
	}
	desc := filters.SortOrder == SortDesc
	less := func(a, b *Job) bool {
		switch sortBy {
		case SortByPriority:
			return a.Priority < b.Priority
		case SortByStatus:
			return a.Status < b.Status
		default:
			return a.QueuedAt.Before(b.QueuedAt)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if desc {
			return less(all[j], all[i])
		}
		return less(all[i], all[j])
	})

	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []*Job{}, nil
	}
	end := len(all)
	if filters.Limit > 0 && offset+filters.Limit < end {
		end = offset + filters.Limit
	}
	return all[offset:end], nil
}

func (m *MemoryStorage) UpdateJob(ctx context.Context, id string, queueName string, patch JobPatch) (*Job, error) {
	name, ok := m.resolveQueue(id, queueName)
	if !ok {
		return nil, newErr(KindNotFound, "", "job %s not found", id)
	}
	q := m.queueFor(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, newErr(KindNotFound, "", "job %s not found", id)
	}

	prevStatus := job.Status
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.ProgressMessage != nil {
		job.ProgressMessage = *patch.ProgressMessage
	}
	if patch.StartedAt != nil {
		job.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		job.CompletedAt = patch.CompletedAt
	}
	if patch.Retries != nil {
		job.Retries = *patch.Retries
	}
	if patch.SetResult {
		job.Result = patch.Result
	}
	if patch.Error != nil {
		job.Error = patch.Error
	}
	if patch.NotBefore != nil {
		job.NotBefore = *patch.NotBefore
	}

	if patch.Status != nil && *patch.Status != prevStatus {
		adjustStats(&q.stats, prevStatus, *patch.Status)
	}
	return job.Clone(), nil
}

func (m *MemoryStorage) RemoveJob(ctx context.Context, id string, queueName string) (bool, error) {
	name, ok := m.resolveQueue(id, queueName)
	if !ok {
		return false, nil
	}
	q := m.queueFor(name)
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false, nil
	}
	delete(q.jobs, id)
	q.heap.Remove(id)
	removeFromStats(&q.stats, job.Status)
	q.stats.Total--
	q.mu.Unlock()

	m.mu.Lock()
	delete(m.jobToQ, id)
	m.mu.Unlock()
	return true, nil
}

func (m *MemoryStorage) CancelQueued(ctx context.Context, id string, queueName string) (bool, error) {
	name, ok := m.resolveQueue(id, queueName)
	if !ok {
		return false, nil
	}
	q := m.queueFor(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusQueued {
		return false, nil
	}
	q.heap.Remove(id)
	now := time.Now()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	adjustStats(&q.stats, StatusQueued, StatusCancelled)
	return true, nil
}

func (m *MemoryStorage) GetQueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	q := m.queueFor(queueName)
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stats, nil
}

// ReclaimStale resets jobs stuck in `running` for longer than olderThan back
// to `queued` so a restarted queue can re-dispatch them. The engine never
// calls this automatically; it exists for an operator or supervisor to
// invoke explicitly after an unclean shutdown.
func (m *MemoryStorage) ReclaimStale(queueName string, olderThan time.Duration) int {
	q := m.queueFor(queueName)
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for _, job := range q.jobs {
		if job.Status != StatusRunning || job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		job.Status = StatusQueued
		job.Progress = 0
		adjustStats(&q.stats, StatusRunning, StatusQueued)
		_ = q.heap.Enqueue(job, job.Priority)
		n++
	}
	return n
}

func adjustStats(s *QueueStats, from, to Status) {
	removeFromStats(s, from)
	addToStats(s, to)
}

func addToStats(s *QueueStats, st Status) {
	switch st {
	case StatusQueued:
		s.Queued++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
}

func removeFromStats(s *QueueStats, st Status) {
	switch st {
	case StatusQueued:
		s.Queued--
	case StatusRunning:
		s.Running--
	case StatusCompleted:
		s.Completed--
	case StatusFailed:
		s.Failed--
	case StatusCancelled:
		s.Cancelled--
	}
}
