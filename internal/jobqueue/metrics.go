// Copyright 2025 James Ross
package jobqueue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueStatusGauge exposes a gauge per (queueName, status), refreshed on each
// Service.AllStats call. The separate obs.QueueLength gauge (queue-only,
// total count) is set by obs.StartQueueLengthUpdater from the per-queue
// totals that cmd/jobqueue samples through AllStats.
var QueueStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "jobqueue_queue_status_count",
	Help: "Current number of jobs in a queue, broken down by status.",
}, []string{"queue", "status"})

func init() {
	prometheus.MustRegister(QueueStatusGauge)
}

// StatsJSON renders QueueStats as a { total, queued, running, completed,
// failed, cancelled } object.
func (s QueueStats) StatsJSON() ([]byte, error) {
	return json.Marshal(map[string]int{
		"total":     s.Total,
		"queued":    s.Queued,
		"running":   s.Running,
		"completed": s.Completed,
		"failed":    s.Failed,
		"cancelled": s.Cancelled,
	})
}

// StatsText renders a simple scrape-friendly textual exposition, one line
// per (queueName, status) gauge, independent of the Prometheus registry —
// useful for a plain /stats.txt endpoint or CLI output.
func StatsText(byQueue map[string]QueueStats) string {
	names := make([]string, 0, len(byQueue))
	for name := range byQueue {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		s := byQueue[name]
		fmt.Fprintf(&b, "jobqueue_queue_status_count{queue=%q,status=\"queued\"} %d\n", name, s.Queued)
		fmt.Fprintf(&b, "jobqueue_queue_status_count{queue=%q,status=\"running\"} %d\n", name, s.Running)
		fmt.Fprintf(&b, "jobqueue_queue_status_count{queue=%q,status=\"completed\"} %d\n", name, s.Completed)
		fmt.Fprintf(&b, "jobqueue_queue_status_count{queue=%q,status=\"failed\"} %d\n", name, s.Failed)
		fmt.Fprintf(&b, "jobqueue_queue_status_count{queue=%q,status=\"cancelled\"} %d\n", name, s.Cancelled)
		fmt.Fprintf(&b, "jobqueue_queue_total{queue=%q} %d\n", name, s.Total)
	}
	return b.String()
}
