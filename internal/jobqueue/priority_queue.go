// Copyright 2025 James Ross
package jobqueue

import (
	"container/heap"
	"sync"
	"time"
)

// pqEntry is one (job, priority, sequence) triple held by the heap. notBefore
// is non-zero for a retried job scheduled to become eligible after a backoff
// delay; peek/dequeue skip entries whose notBefore is still in the future.
type pqEntry struct {
	job       *Job
	priority  int
	sequence  uint64
	notBefore time.Time
	index     int
}

type entryHeap []*pqEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	return h[i].sequence < h[j].sequence // FIFO tie-break
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*pqEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// PriorityQueue is a min/max-heap keyed by priority (descending) with FIFO
// tie-break on a monotonic sequence counter. Safe for concurrent use.
type PriorityQueue struct {
	mu       sync.Mutex
	h        entryHeap
	seq      uint64
	byID     map[string]*pqEntry
	shutdown bool
}

// NewPriorityQueue returns an empty, ready-to-use priority queue.
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{byID: make(map[string]*pqEntry)}
	heap.Init(&pq.h)
	return pq
}

// Enqueue places job in the heap, immediately eligible for dequeue.
func (pq *PriorityQueue) Enqueue(job *Job, priority int) error {
	return pq.EnqueueAt(job, priority, time.Time{})
}

// EnqueueAt places job in the heap, eligible for dequeue only once notBefore
// has elapsed (zero value means immediately eligible).
func (pq *PriorityQueue) EnqueueAt(job *Job, priority int, notBefore time.Time) error {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.shutdown {
		return newErr(KindInvalidArgument, "", "priority queue is shut down")
	}
	pq.seq++
	e := &pqEntry{job: job, priority: priority, sequence: pq.seq, notBefore: notBefore}
	heap.Push(&pq.h, e)
	pq.byID[job.ID] = e
	return nil
}

// Dequeue removes and returns the highest-priority eligible job, or nil if
// the queue is empty or every entry's notBefore is still in the future.
func (pq *PriorityQueue) Dequeue() *Job {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	idx := pq.nextEligibleIndex()
	if idx < 0 {
		return nil
	}
	e := heap.Remove(&pq.h, idx).(*pqEntry)
	delete(pq.byID, e.job.ID)
	return e.job
}

// Peek returns the highest-priority eligible job without removing it.
func (pq *PriorityQueue) Peek() *Job {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	idx := pq.nextEligibleIndex()
	if idx < 0 {
		return nil
	}
	return pq.h[idx].job
}

// nextEligibleIndex scans for the best entry whose notBefore has elapsed.
// The heap invariant only orders by (priority, sequence), not eligibility,
// so a delayed retry sitting at the root is skipped in favor of the next
// eligible entry; callers must not assume heap order == scan order when
// delayed entries are present.
func (pq *PriorityQueue) nextEligibleIndex() int {
	now := time.Now()
	best := -1
	for i, e := range pq.h {
		if !e.notBefore.IsZero() && e.notBefore.After(now) {
			continue
		}
		if best < 0 || pq.h.Less(i, best) {
			best = i
		}
	}
	return best
}

// Remove deletes the job with the given id from the heap, returning true if
// it was present (and therefore still queued).
func (pq *PriorityQueue) Remove(jobID string) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	e, ok := pq.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&pq.h, e.index)
	delete(pq.byID, jobID)
	return true
}

// Size returns the number of entries in the heap, including ones whose
// notBefore has not yet elapsed.
func (pq *PriorityQueue) Size() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.h)
}

// IsEmpty reports whether the heap holds zero entries.
func (pq *PriorityQueue) IsEmpty() bool {
	return pq.Size() == 0
}

// Shutdown marks the queue closed; further Enqueue/EnqueueAt calls fail.
func (pq *PriorityQueue) Shutdown() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.shutdown = true
}
