// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/queueforge/queueforge/internal/config"
)

// StartQueueLengthUpdater polls sample at the configured interval and
// republishes each queue's total job count to the QueueLength gauge.
// sample is expected to be a closure over jobqueue.Service.AllStats
// (cmd/jobqueue wires it); this package cannot import internal/jobqueue
// directly since jobqueue already imports obs for its counters and
// histograms.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, sample func(ctx context.Context) map[string]int, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				totals := sample(ctx)
				for queueName, total := range totals {
					QueueLength.WithLabelValues(queueName).Set(float64(total))
				}
				log.Debug("queue length sample", zap.Int("queues", len(totals)))
			}
		}
	}()
}
