// Package telemetry exposes the pipeline's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRead counts committed row events decoded from the binlog,
	// per task.
	EventsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdc",
		Name:      "events_read_total",
		Help:      "Committed row events decoded from the source change log",
	}, []string{"task"})

	// SnapshotRows counts rows emitted by initial snapshots.
	SnapshotRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdc",
		Name:      "snapshot_rows_total",
		Help:      "Rows emitted during initial snapshot",
	}, []string{"task"})

	// MessagesPublished counts messages acknowledged by the broker,
	// per task and topic profile.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdc",
		Name:      "messages_published_total",
		Help:      "Messages acknowledged by the downstream broker",
	}, []string{"task", "profile"})

	// BatchesFlushed counts publisher batch flushes.
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdc",
		Name:      "batches_flushed_total",
		Help:      "Publisher batches flushed",
	}, []string{"task"})

	// PublishRetries counts failed flush attempts that were retried.
	PublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdc",
		Name:      "publish_retries_total",
		Help:      "Publish attempts retried after a broker error",
	}, []string{"task"})

	// OffsetCommits counts durable offset commits.
	OffsetCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdc",
		Name:      "offset_commits_total",
		Help:      "Durable offset commits",
	}, []string{"task"})

	// TaskState reports the lifecycle state of each task as a one-hot
	// gauge over the state label.
	TaskState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cdc",
		Name:      "task_state",
		Help:      "Task lifecycle state (1 for the current state)",
	}, []string{"task", "state"})
)

// SetTaskState flips the one-hot state gauge for a task.
func SetTaskState(task, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		TaskState.WithLabelValues(task, s).Set(v)
	}
}
