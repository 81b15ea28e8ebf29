// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/queueforge/queueforge/internal/breaker"
	"github.com/queueforge/queueforge/internal/obs"
	"go.uber.org/zap"
)

type handlerKey struct {
	queue   string
	jobType string
}

// Service is the Queue Service: the multi-queue coordinator. It owns the
// handler registry, the storage handle, the Subscription Registry, and an
// optional external Event Bridge, and forwards the public API to the
// correct Queue Instance.
type Service struct {
	storage  Storage
	subs     *SubscriptionRegistry
	bus      EventBus
	serverID string
	log      *zap.Logger
	breaker  *breaker.CircuitBreaker

	mu        sync.RWMutex
	handlers  map[handlerKey]Handler
	instances map[string]*Instance
	defaults  map[string]QueueConfig
}

// NewService constructs a Service. cfg supplies the known queues and their
// defaults; queues may also be added later via EnsureQueue. A single
// CircuitBreaker, sized from cfg.CircuitBreaker, is shared across every
// Queue Instance the Service creates, since it guards the common Storage
// backend rather than anything queue-specific.
func NewService(cfg ServiceConfig, storage Storage, bus EventBus, log *zap.Logger) *Service {
	if bus == nil {
		bus = NoopEventBus{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	cbCfg := cfg.CircuitBreaker
	if (cbCfg == CircuitBreakerConfig{}) {
		cbCfg = DefaultCircuitBreakerConfig()
	}
	s := &Service{
		storage:   storage,
		subs:      NewSubscriptionRegistry(log),
		bus:       bus,
		serverID:  cfg.ServerID,
		log:       log,
		breaker:   breaker.New(cbCfg.Window, cbCfg.CooldownPeriod, cbCfg.FailureThreshold, cbCfg.MinSamples),
		handlers:  make(map[handlerKey]Handler),
		instances: make(map[string]*Instance),
		defaults:  make(map[string]QueueConfig),
	}
	for name, qcfg := range cfg.Queues {
		s.EnsureQueue(name, qcfg)
	}
	return s
}

// EnsureQueue registers a queue's configuration and creates its Queue
// Instance if one does not already exist. Safe to call repeatedly.
func (s *Service) EnsureQueue(name string, cfg QueueConfig) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[name]; ok {
		return inst
	}
	s.defaults[name] = cfg
	inst := NewInstance(name, cfg, s.storage, s.handlerLookup(name), s.subs, s.bus, s.serverID, s.log.With(zap.String("queue", name)), s.breaker)
	s.instances[name] = inst
	return inst
}

// handlerLookup returns a closure bound to queueName that Instance uses to
// resolve a handler without taking the Service lock on every dispatch
// beyond a single RLock (the handler map is copy-on-write in steady state,
// but a plain RWMutex read is cheap enough and simpler to reason about).
func (s *Service) handlerLookup(queueName string) func(jobType string) (Handler, bool) {
	return func(jobType string) (Handler, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		h, ok := s.handlers[handlerKey{queue: queueName, jobType: jobType}]
		return h, ok
	}
}

// RegisterHandler binds handler to (queueName, jobType). Idempotent; may be
// called before or after Start. Registering ensures the queue exists with
// DefaultQueueConfig if it was not already configured.
func (s *Service) RegisterHandler(queueName, jobType string, handler Handler) {
	s.mu.Lock()
	if _, ok := s.instances[queueName]; !ok {
		cfg := DefaultQueueConfig()
		s.defaults[queueName] = cfg
		s.instances[queueName] = NewInstance(queueName, cfg, s.storage, s.handlerLookup(queueName), s.subs, s.bus, s.serverID, s.log.With(zap.String("queue", queueName)), s.breaker)
	}
	next := make(map[handlerKey]Handler, len(s.handlers)+1)
	for k, v := range s.handlers {
		next[k] = v
	}
	next[handlerKey{queue: queueName, jobType: jobType}] = handler
	s.handlers = next
	s.mu.Unlock()
}

func (s *Service) instance(queueName string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[queueName]
	return inst, ok
}

// Add constructs a job from defaults plus opts, persists it, and wakes the
// target queue. Returns the generated job id.
func (s *Service) Add(ctx context.Context, queueName, jobType string, data any, opts SubmitOptions) (string, error) {
	s.mu.RLock()
	defaults, ok := s.defaults[queueName]
	s.mu.RUnlock()
	if !ok {
		return "", newErr(KindNotFound, "", "queue %q is not configured", queueName)
	}
	job := NewJob(queueName, jobType, data, defaults, opts)
	if err := s.storage.Enqueue(ctx, queueName, job); err != nil {
		return "", err
	}
	obs.JobsProduced.Inc()
	if inst, ok := s.instance(queueName); ok {
		inst.Notify()
	}
	env := Envelope{Type: "job:queued", Data: job.Clone(), ServerID: s.serverID}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.log.Warn("failed to publish job:queued", zap.String("job_id", job.ID), zap.Error(err))
	}
	return job.ID, nil
}

// Subscribe forwards to the Subscription Registry.
func (s *Service) Subscribe(jobID string, observer Observer) func() {
	return s.subs.Subscribe(jobID, observer)
}

// GetJob looks a job up by id, resolving its owning queue via storage if
// queueName is empty.
func (s *Service) GetJob(ctx context.Context, id string, queueName string) (*Job, error) {
	return s.storage.GetJob(ctx, id, queueName)
}

// ListJobs forwards to storage for the given queue.
func (s *Service) ListJobs(ctx context.Context, queueName string, filters ListFilters) ([]*Job, error) {
	return s.storage.ListJobs(ctx, queueName, filters)
}

// GetStats forwards to storage for the given queue.
func (s *Service) GetStats(ctx context.Context, queueName string) (QueueStats, error) {
	return s.storage.GetQueueStats(ctx, queueName)
}

// AllStats returns GetStats for every configured queue, keyed by name, for
// use by a metrics exposition endpoint.
func (s *Service) AllStats(ctx context.Context) map[string]QueueStats {
	s.mu.RLock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]QueueStats, len(names))
	for _, name := range names {
		stats, err := s.storage.GetQueueStats(ctx, name)
		if err != nil {
			continue
		}
		out[name] = stats
		QueueStatusGauge.WithLabelValues(name, string(StatusQueued)).Set(float64(stats.Queued))
		QueueStatusGauge.WithLabelValues(name, string(StatusRunning)).Set(float64(stats.Running))
		QueueStatusGauge.WithLabelValues(name, string(StatusCompleted)).Set(float64(stats.Completed))
		QueueStatusGauge.WithLabelValues(name, string(StatusFailed)).Set(float64(stats.Failed))
		QueueStatusGauge.WithLabelValues(name, string(StatusCancelled)).Set(float64(stats.Cancelled))
	}
	return out
}

// CancelJob resolves the owning queue (O(1) via storage's job index), then:
// if the job is queued, removes it from the heap and marks it cancelled
// directly; if running, arms its cancellation signal and lets the worker
// protocol reach the terminal transition; if already terminal, returns
// false. Always idempotent.
func (s *Service) CancelJob(ctx context.Context, id string, queueName string, reason string) (bool, error) {
	if queueName == "" {
		name, ok := s.storage.FindQueue(ctx, id)
		if !ok {
			return false, nil
		}
		queueName = name
	}
	inst, ok := s.instance(queueName)
	if !ok {
		return false, newErr(KindNotFound, "", "queue %q is not configured", queueName)
	}

	if inst.CancelRunning(id) {
		return true, nil
	}

	cancelled, err := s.storage.CancelQueued(ctx, id, queueName)
	if err != nil || !cancelled {
		return false, err
	}
	s.subs.PublishCancelled(id, reason)
	return true, nil
}

// reclaimer is the optional capability a Storage implementation may offer to
// recover jobs left `running` by an unclean shutdown. Neither MemoryStorage
// nor RedisStorage is required to support it through the Storage interface
// itself; Service discovers it with a type assertion so a future Storage
// adapter can simply omit it.
type reclaimer interface {
	ReclaimStale(queueName string, olderThan time.Duration) int
}

// ReclaimStale asks the storage backend to requeue jobs stuck in `running`
// for longer than olderThan, if it supports that capability. Returns 0,
// false if the backend does not implement it.
func (s *Service) ReclaimStale(queueName string, olderThan time.Duration) (int, bool) {
	r, ok := s.storage.(reclaimer)
	if !ok {
		return 0, false
	}
	return r.ReclaimStale(queueName, olderThan), true
}

// PurgeJobs removes terminal jobs by id regardless of queue, for DLQ-style
// cleanup. Returns the number actually removed; ids that don't resolve to a
// job, or that name a job not yet in a terminal state, are skipped rather
// than treated as an error.
func (s *Service) PurgeJobs(ctx context.Context, ids []string) (int, error) {
	purged := 0
	for _, id := range ids {
		job, err := s.storage.GetJob(ctx, id, "")
		if err != nil {
			return purged, err
		}
		if job == nil || !job.Status.Terminal() {
			continue
		}
		removed, err := s.storage.RemoveJob(ctx, id, "")
		if err != nil {
			return purged, err
		}
		if removed {
			purged++
		}
	}
	return purged, nil
}

// RequeueFailed resubmits a terminal (failed or cancelled) job as a new job
// on destQueue (or its original queue, if destQueue is empty), then removes
// the original record. Returns the new job's id.
func (s *Service) RequeueFailed(ctx context.Context, id string, destQueue string) (string, error) {
	job, err := s.storage.GetJob(ctx, id, "")
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", newErr(KindNotFound, "", "job %s not found", id)
	}
	if job.Status != StatusFailed && job.Status != StatusCancelled {
		return "", newErr(KindInvalidArgument, "", "job %s is not failed or cancelled", id)
	}
	target := destQueue
	if target == "" {
		target = job.QueueName
	}
	newID, err := s.Add(ctx, target, job.Type, job.Data, SubmitOptions{
		Priority:   job.Priority,
		MaxRetries: &job.MaxRetries,
		Timeout:    job.Timeout,
		Metadata:   job.Metadata,
	})
	if err != nil {
		return "", err
	}
	if _, err := s.storage.RemoveJob(ctx, id, job.QueueName); err != nil {
		s.log.Warn("failed to remove original job after requeue", zap.String("job_id", id), zap.Error(err))
	}
	return newID, nil
}

// ListQueues returns the configured queue names, sorted.
func (s *Service) ListQueues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every configured Queue Instance.
func (s *Service) StartAll() error {
	s.mu.RLock()
	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.RUnlock()
	for _, inst := range instances {
		if err := inst.Start(); err != nil {
			return err
		}
	}
	return nil
}

// StopAllOptions configures StopAll.
type StopAllOptions struct {
	Graceful bool
	Timeout  time.Duration
}

// StopAll stops every configured Queue Instance concurrently, then closes
// the external event bus.
func (s *Service) StopAll(opts StopAllOptions) error {
	s.mu.RLock()
	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if err := inst.Stop(opts.Graceful, opts.Timeout); err != nil {
				s.log.Warn("queue stop returned error", zap.String("queue", inst.Name()), zap.Error(err))
			}
		}(inst)
	}
	wg.Wait()
	return s.bus.Close()
}
