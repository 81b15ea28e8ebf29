// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/queueforge/queueforge/internal/breaker"
	"github.com/queueforge/queueforge/internal/obs"
)

type instanceState int32

const (
	stateStopped instanceState = iota
	stateStarting
	stateRunning
	stateStopping
)

// Instance is the Queue Instance: the dispatcher and bounded worker pool for
// a single named queue. It owns no storage state of its own beyond the
// bookkeeping needed to cancel in-flight work; the Job records live in
// Storage.
type Instance struct {
	name       string
	cfg        QueueConfig
	storage    Storage
	handlerFor func(jobType string) (Handler, bool)
	subs       *SubscriptionRegistry
	bus        EventBus
	serverID   string
	log        *zap.Logger
	breaker    *breaker.CircuitBreaker

	slots chan struct{}

	mu       sync.Mutex
	state    instanceState
	graceful bool
	deadline time.Time
	running  map[string]*CancelSignal
	explicit map[string]bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	wakeCh   chan struct{}

	workerWG sync.WaitGroup
}

// NewInstance constructs a Queue Instance bound to name. handlerFor resolves
// a registered handler for a job type; it reads the owning Service's handler
// map under that Service's read lock, so later registrations are visible.
// cb is shared across every Instance in a Service, since it guards the
// common Storage backend rather than anything queue-specific.
func NewInstance(name string, cfg QueueConfig, storage Storage, handlerFor func(jobType string) (Handler, bool), subs *SubscriptionRegistry, bus EventBus, serverID string, log *zap.Logger, cb *breaker.CircuitBreaker) *Instance {
	if bus == nil {
		bus = NoopEventBus{}
	}
	if cb == nil {
		cb = breaker.New(10*time.Second, 5*time.Second, 0.5, 5)
	}
	return &Instance{
		name:       name,
		cfg:        cfg,
		storage:    storage,
		handlerFor: handlerFor,
		subs:       subs,
		bus:        bus,
		serverID:   serverID,
		log:        log,
		breaker:    cb,
		slots:      make(chan struct{}, cfg.Concurrency),
		running:    make(map[string]*CancelSignal),
		explicit:   make(map[string]bool),
		wakeCh:     make(chan struct{}, 1),
	}
}

// Name returns the queue name this instance serves.
func (in *Instance) Name() string { return in.name }

// Start launches the dispatcher loop. Idempotent: starting an already
// running or starting instance is a no-op.
func (in *Instance) Start() error {
	in.mu.Lock()
	if in.state == stateRunning || in.state == stateStarting {
		in.mu.Unlock()
		return nil
	}
	in.state = stateStarting
	in.stopCh = make(chan struct{})
	in.doneCh = make(chan struct{})
	in.graceful = false
	in.deadline = time.Time{}
	in.state = stateRunning
	in.mu.Unlock()
	go in.dispatchLoop()
	return nil
}

// notify wakes a parked dispatcher. Non-blocking: a dispatcher already
// awake (or already notified) just re-checks on its next loop iteration.
func (in *Instance) notify() {
	select {
	case in.wakeCh <- struct{}{}:
	default:
	}
}

// Notify is the exported form used by Service.Add to wake this queue after
// a new job is persisted.
func (in *Instance) Notify() { in.notify() }

// CancelRunning sets the cancellation signal for jobID if it is currently
// running on this instance, marking it as an explicit (not timeout-driven)
// cancellation. Returns true only the first time it is called for a given
// running job; a second call against the same still-running job returns
// false, since the cancellation was already requested.
func (in *Instance) CancelRunning(jobID string) bool {
	in.mu.Lock()
	sig, ok := in.running[jobID]
	alreadyRequested := in.explicit[jobID]
	if ok && !alreadyRequested {
		in.explicit[jobID] = true
	}
	in.mu.Unlock()
	if !ok || alreadyRequested {
		return false
	}
	sig.Set()
	return true
}

// Stop implements the graceful/non-graceful stop protocol.
func (in *Instance) Stop(graceful bool, timeout time.Duration) error {
	in.mu.Lock()
	switch in.state {
	case stateStopped:
		in.mu.Unlock()
		return nil
	case stateStopping:
		done := in.doneCh
		in.mu.Unlock()
		in.waitOrTimeout(done, timeout)
		return nil
	}
	in.graceful = graceful
	if timeout > 0 {
		in.deadline = time.Now().Add(timeout)
	}
	in.state = stateStopping
	done := in.doneCh
	in.mu.Unlock()

	in.notify()
	if !graceful {
		in.cancelAllRunning()
	}
	in.waitOrTimeout(done, timeout)
	return nil
}

func (in *Instance) waitOrTimeout(done <-chan struct{}, timeout time.Duration) {
	if timeout <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func (in *Instance) cancelAllRunning() {
	in.mu.Lock()
	sigs := make([]*CancelSignal, 0, len(in.running))
	for _, s := range in.running {
		sigs = append(sigs, s)
	}
	in.mu.Unlock()
	for _, s := range sigs {
		s.Set()
	}
}

// shouldStopDispatch reports whether the dispatcher should stop launching
// new workers: immediately for a non-graceful stop, once the deadline has
// elapsed, or once the queue is drained for a graceful stop with no
// deadline pressure yet.
func (in *Instance) shouldStopDispatch() bool {
	in.mu.Lock()
	st, graceful, deadline := in.state, in.graceful, in.deadline
	in.mu.Unlock()
	if st != stateStopping {
		return false
	}
	if !graceful {
		return true
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return true
	}
	stats, err := in.storage.GetQueueStats(context.Background(), in.name)
	if err == nil && stats.Queued == 0 {
		return true
	}
	return false
}

func (in *Instance) dispatchLoop() {
	backoff := 50 * time.Millisecond
	const maxBackoff = 5 * time.Second
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for !in.shouldStopDispatch() {
		select {
		case in.slots <- struct{}{}:
			prevState := in.breaker.State()
			job, err := in.dequeue()
			if err != nil {
				<-in.slots
				state := in.breaker.State()
				obs.CircuitBreakerState.Set(float64(state))
				if state == breaker.Open && prevState != breaker.Open {
					obs.CircuitBreakerTrips.Inc()
				}
				wait := jitter(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				select {
				case <-time.After(wait):
				case <-in.wakeCh:
				case <-in.stopCh:
				}
				continue
			}
			backoff = 50 * time.Millisecond
			if job == nil {
				<-in.slots
				select {
				case <-in.wakeCh:
				case <-poll.C:
				case <-in.stopCh:
				}
				continue
			}
			in.workerWG.Add(1)
			go in.runWorker(job)
		case <-in.stopCh:
		}
	}

	in.drainOrCancel()
	in.workerWG.Wait()

	in.mu.Lock()
	in.state = stateStopped
	close(in.doneCh)
	in.mu.Unlock()
}

func (in *Instance) drainOrCancel() {
	in.mu.Lock()
	graceful, deadline := in.graceful, in.deadline
	in.mu.Unlock()
	if !graceful {
		in.cancelAllRunning()
		return
	}
	if deadline.IsZero() {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		in.cancelAllRunning()
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	done := make(chan struct{})
	go func() { in.workerWG.Wait(); close(done) }()
	select {
	case <-done:
	case <-timer.C:
		in.cancelAllRunning()
	}
}

func (in *Instance) dequeue() (*Job, error) {
	if !in.breaker.Allow() {
		return nil, newErr(KindStorageUnavailable, "", "queue %s: circuit open on storage", in.name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := in.storage.Dequeue(ctx, in.name)
	in.breaker.Record(err == nil)
	return job, err
}

// jitter scales d by a uniform factor in [0.8, 1.2).
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}

func retryDelay(retries int) time.Duration {
	const base = time.Second
	const maxDelay = 60 * time.Second
	d := base * time.Duration(1<<uint(retries-1))
	if d > maxDelay {
		d = maxDelay
	}
	return jitter(d)
}

// runWorker executes the worker protocol for a single
// dispatched job.
func (in *Instance) runWorker(job *Job) {
	ctx := context.Background()
	obs.WorkerActive.Inc()
	defer func() {
		obs.WorkerActive.Dec()
		<-in.slots
		in.mu.Lock()
		delete(in.running, job.ID)
		delete(in.explicit, job.ID)
		in.mu.Unlock()
		in.workerWG.Done()
		in.notify()
	}()

	now := time.Now()
	status := StatusRunning
	progress := 0
	job.Status = status
	job.StartedAt = &now
	job.Progress = progress
	if _, err := in.storage.UpdateJob(ctx, job.ID, in.name, JobPatch{Status: &status, StartedAt: &now, Progress: &progress}); err != nil {
		in.log.Warn("failed to persist job start", zap.String("job_id", job.ID), obs.QueueField(in.name), zap.Error(err))
	}
	obs.JobsConsumed.Inc()

	sig := newCancelSignal()
	in.mu.Lock()
	in.running[job.ID] = sig
	in.mu.Unlock()

	handler, ok := in.handlerFor(job.Type)
	if !ok {
		in.finishFailedOrRetry(ctx, job, newErr(KindNoHandler, "NO_HANDLER", "no handler registered for job type %q on queue %q", job.Type, in.name))
		return
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = in.cfg.DefaultTimeout
	}
	runCtx, cancelCtx := context.WithTimeout(ctx, timeout)
	defer cancelCtx()

	hctx := &HandlerContext{
		Context: runCtx,
		JobID:   job.ID,
		Data:    job.Data,
		Cancel:  sig,
		progress: func(percent int, message string) {
			in.reportProgress(ctx, job, percent, message)
		},
	}

	type outcome struct {
		result any
		err    error
	}
	resCh := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resCh <- outcome{err: &HandlerError{Message: fmt.Sprintf("handler panicked: %v", p)}}
			}
		}()
		res, err := handler(hctx)
		resCh <- outcome{result: res, err: err}
	}()

	var out outcome
	timedOut := false
	select {
	case out = <-resCh:
	case <-runCtx.Done():
		timedOut = true
		sig.Set()
		select {
		case <-resCh: // discard a late result per step 4
		case <-time.After(5 * time.Second):
		}
	}
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

	in.mu.Lock()
	explicitCancel := in.explicit[job.ID]
	in.mu.Unlock()

	switch {
	case timedOut:
		in.finishFailedOrRetry(ctx, job, newErr(KindTimeout, "TIMEOUT", "job %s exceeded timeout %s", job.ID, timeout))
	case out.err == nil:
		in.finishCompleted(ctx, job, out.result)
	case explicitCancel:
		in.finishCancelled(ctx, job, "cancelled")
	default:
		in.finishFailedOrRetry(ctx, job, out.err)
	}
}

func (in *Instance) reportProgress(ctx context.Context, job *Job, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent < job.Progress {
		percent = job.Progress
	}
	job.Progress = percent
	job.ProgressMessage = message
	if _, err := in.storage.UpdateJob(ctx, job.ID, in.name, JobPatch{Progress: &percent, ProgressMessage: &message}); err != nil {
		in.log.Warn("failed to persist progress", zap.String("job_id", job.ID), obs.QueueField(in.name), zap.Error(err))
	}
	in.subs.PublishProgress(job.ID, percent, message)
}

func (in *Instance) finishCompleted(ctx context.Context, job *Job, result any) {
	now := time.Now()
	status := StatusCompleted
	progress := 100
	job.Status = status
	job.CompletedAt = &now
	job.Progress = progress
	job.Result = result
	if _, err := in.storage.UpdateJob(ctx, job.ID, in.name, JobPatch{Status: &status, CompletedAt: &now, Progress: &progress, Result: result, SetResult: true}); err != nil {
		in.log.Warn("failed to persist completion", zap.String("job_id", job.ID), obs.QueueField(in.name), zap.Error(err))
	}
	obs.JobsCompleted.Inc()
	in.subs.PublishCompleted(job.ID, result)
	in.publishExternal(ctx, "job:completed", job)
}

func (in *Instance) finishCancelled(ctx context.Context, job *Job, reason string) {
	now := time.Now()
	status := StatusCancelled
	job.Status = status
	job.CompletedAt = &now
	if _, err := in.storage.UpdateJob(ctx, job.ID, in.name, JobPatch{Status: &status, CompletedAt: &now}); err != nil {
		in.log.Warn("failed to persist cancellation", zap.String("job_id", job.ID), obs.QueueField(in.name), zap.Error(err))
	}
	in.subs.PublishCancelled(job.ID, reason)
	in.publishExternal(ctx, "job:cancelled", job)
}

func (in *Instance) finishFailedOrRetry(ctx context.Context, job *Job, cause error) {
	code := "EXECUTION_ERROR"
	message := cause.Error()
	nonRetryable := false

	var herr *HandlerError
	var eerr *Error
	switch {
	case errors.As(cause, &herr):
		message = herr.Message
		if herr.Code != "" {
			code = herr.Code
		}
	case errors.As(cause, &eerr):
		message = eerr.Message
		if eerr.Code != "" {
			code = eerr.Code
		} else {
			code = string(eerr.Kind)
		}
		nonRetryable = eerr.Kind == KindNoHandler
	}

	if !nonRetryable && job.Retries < job.MaxRetries {
		job.Retries++
		notBefore := time.Now().Add(retryDelay(job.Retries))
		job.NotBefore = notBefore
		status := StatusQueued
		retries := job.Retries
		progress := 0
		job.Status = status
		job.Progress = progress
		if _, err := in.storage.UpdateJob(ctx, job.ID, in.name, JobPatch{Status: &status, Retries: &retries, NotBefore: &notBefore, Progress: &progress}); err != nil {
			in.log.Warn("failed to persist retry", zap.String("job_id", job.ID), obs.QueueField(in.name), zap.Error(err))
		}
		if err := in.storage.Requeue(ctx, in.name, job, notBefore); err != nil {
			in.log.Error("failed to requeue retried job", zap.String("job_id", job.ID), obs.QueueField(in.name), zap.Error(err))
		}
		obs.JobsRetried.Inc()
		in.notify()
		return
	}

	now := time.Now()
	status := StatusFailed
	jobErr := JobError{Message: message, Code: code}
	job.Status = status
	job.CompletedAt = &now
	job.Error = &jobErr
	patch := JobPatch{Status: &status, CompletedAt: &now, Error: &jobErr}
	if nonRetryable {
		job.Retries = job.MaxRetries
		retries := job.Retries
		patch.Retries = &retries
	}
	if _, err := in.storage.UpdateJob(ctx, job.ID, in.name, patch); err != nil {
		in.log.Warn("failed to persist failure", zap.String("job_id", job.ID), obs.QueueField(in.name), zap.Error(err))
	}
	obs.JobsFailed.Inc()
	in.subs.PublishFailed(job.ID, jobErr)
	in.publishExternal(ctx, "job:failed", job)
}

func (in *Instance) publishExternal(ctx context.Context, eventType string, job *Job) {
	env := Envelope{Type: eventType, Data: job.Clone(), ServerID: in.serverID}
	if err := in.bus.Publish(ctx, env); err != nil {
		in.log.Warn("failed to publish external event", zap.String("job_id", job.ID), zap.String("type", eventType), zap.Error(err))
	}
}
