// Copyright 2025 James Ross
package reaper

import (
	"context"
	"time"

	"github.com/queueforge/queueforge/internal/jobqueue"
	"github.com/queueforge/queueforge/internal/obs"
	"go.uber.org/zap"
)

// Reaper periodically asks the storage backend to requeue jobs stuck in
// `running` for longer than staleAfter, recovering from an unclean shutdown
// (a process killed mid-job otherwise leaves its job running forever, since
// nothing else clears it). The engine itself never calls this: reclaiming
// stale jobs is a supervisor-level concern, not a dispatch-loop one.
type Reaper struct {
	svc        *jobqueue.Service
	queues     []string
	interval   time.Duration
	staleAfter time.Duration
	log        *zap.Logger
}

// New constructs a Reaper over svc's queues.
func New(svc *jobqueue.Service, queues []string, interval, staleAfter time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Reaper{svc: svc, queues: queues, interval: interval, staleAfter: staleAfter, log: log}
}

// Run blocks, scanning every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce()
		}
	}
}

func (r *Reaper) scanOnce() {
	for _, queueName := range r.queues {
		n, supported := r.svc.ReclaimStale(queueName, r.staleAfter)
		if !supported {
			return
		}
		if n > 0 {
			obs.ReaperRecovered.Add(float64(n))
			r.log.Warn("reclaimed stale running jobs", obs.QueueField(queueName), obs.Int("count", n))
		}
	}
}
