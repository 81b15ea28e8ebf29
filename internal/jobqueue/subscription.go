// Copyright 2025 James Ross
package jobqueue

import (
	"sync"

	"go.uber.org/zap"
)

// Observer is a per-job set of optional lifecycle callbacks. A nil callback
// is simply skipped.
type Observer struct {
	OnProgress  func(percent int, message string)
	OnCompleted func(result any)
	OnFailed    func(jobErr JobError)
	OnCancelled func(reason string)
}

type subscriber struct {
	id       uint64
	observer Observer
}

// SubscriptionRegistry maps jobId -> set of observers and fans lifecycle
// events out to them. Safe for concurrent publish/subscribe/unsubscribe.
// Observer callbacks run with the registry lock released, so a slow
// observer only delays itself. After a terminal publish, a job's observers
// are dropped and further publishes for that id are no-ops.
type SubscriptionRegistry struct {
	mu       sync.Mutex
	subs     map[string][]*subscriber
	terminal map[string]bool
	nextID   uint64
	log      *zap.Logger
}

func NewSubscriptionRegistry(log *zap.Logger) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs:     make(map[string][]*subscriber),
		terminal: make(map[string]bool),
		log:      log,
	}
}

// Subscribe registers observer for jobID and returns an idempotent
// unsubscribe function.
func (r *SubscriptionRegistry) Subscribe(jobID string, observer Observer) func() {
	r.mu.Lock()
	if r.terminal[jobID] {
		r.mu.Unlock()
		return func() {}
	}
	r.nextID++
	id := r.nextID
	sub := &subscriber{id: id, observer: observer}
	r.subs[jobID] = append(r.subs[jobID], sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			list := r.subs[jobID]
			for i, s := range list {
				if s.id == id {
					r.subs[jobID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(r.subs[jobID]) == 0 {
				delete(r.subs, jobID)
			}
		})
	}
}

func (r *SubscriptionRegistry) snapshot(jobID string) []*subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[jobID]
	if len(subs) == 0 {
		return nil
	}
	cp := make([]*subscriber, len(subs))
	copy(cp, subs)
	return cp
}

func (r *SubscriptionRegistry) markTerminal(jobID string) {
	r.mu.Lock()
	r.terminal[jobID] = true
	delete(r.subs, jobID)
	r.mu.Unlock()
}

func (r *SubscriptionRegistry) isTerminal(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal[jobID]
}

func (r *SubscriptionRegistry) invoke(jobID string, fn func(Observer)) {
	for _, s := range r.snapshot(jobID) {
		func() {
			defer func() {
				if p := recover(); p != nil && r.log != nil {
					r.log.Error("observer callback panicked", zap.String("job_id", jobID), zap.Any("panic", p))
				}
			}()
			fn(s.observer)
		}()
	}
}

// PublishProgress notifies observers of a progress update. No-op once the
// job has reached a terminal state.
func (r *SubscriptionRegistry) PublishProgress(jobID string, percent int, message string) {
	if r.isTerminal(jobID) {
		return
	}
	r.invoke(jobID, func(o Observer) {
		if o.OnProgress != nil {
			o.OnProgress(percent, message)
		}
	})
}

// PublishCompleted fires the terminal completion event, then drops the
// job's observers.
func (r *SubscriptionRegistry) PublishCompleted(jobID string, result any) {
	if r.isTerminal(jobID) {
		return
	}
	r.invoke(jobID, func(o Observer) {
		if o.OnCompleted != nil {
			o.OnCompleted(result)
		}
	})
	r.markTerminal(jobID)
}

// PublishFailed fires the terminal failure event, then drops the job's
// observers.
func (r *SubscriptionRegistry) PublishFailed(jobID string, jobErr JobError) {
	if r.isTerminal(jobID) {
		return
	}
	r.invoke(jobID, func(o Observer) {
		if o.OnFailed != nil {
			o.OnFailed(jobErr)
		}
	})
	r.markTerminal(jobID)
}

// PublishCancelled fires the terminal cancellation event, then drops the
// job's observers.
func (r *SubscriptionRegistry) PublishCancelled(jobID string, reason string) {
	if r.isTerminal(jobID) {
		return
	}
	r.invoke(jobID, func(o Observer) {
		if o.OnCancelled != nil {
			o.OnCancelled(reason)
		}
	})
	r.markTerminal(jobID)
}
