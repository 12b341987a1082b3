package procqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stashline"

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "trackers",
			Help:      "Number of completion trackers by status",
		},
		[]string{"status"},
	)

	queueItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Number of outstanding work items",
		},
	)

	itemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total work items enqueued",
		},
		[]string{"category"},
	)

	itemsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "fetched_total",
			Help:      "Total work items fetched by the runner",
		},
	)

	itemsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "deleted_total",
			Help:      "Total work items deleted after full completion",
		},
	)

	consumerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "consumer_runs_total",
			Help:      "Total consumer dispatches by outcome",
		},
		[]string{"consumer", "outcome"},
	)

	consumerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "consumer_duration_seconds",
			Help:      "Time spent in a consumer's Process call",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"consumer"},
	)

	runnerLockBusy = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "runner_lock_busy_total",
			Help:      "Runner passes skipped because a previous pass still held the lock",
		},
	)
)

func recordEnqueued(category string, count int) {
	itemsEnqueued.WithLabelValues(category).Add(float64(count))
}

func recordBatchFetched(count int) {
	itemsFetched.Add(float64(count))
}

func recordItemDeleted() {
	itemsDeleted.Inc()
}

func recordConsumerRun(consumer, outcome string) {
	consumerRuns.WithLabelValues(consumer, outcome).Inc()
}

func recordConsumerDuration(consumer string, d time.Duration) {
	consumerDuration.WithLabelValues(consumer).Observe(d.Seconds())
}

func recordLockBusy() {
	runnerLockBusy.Inc()
}

// RecordQueueStats updates the queue depth gauges.
func RecordQueueStats(stats *QueueStats) {
	queueItems.Set(float64(stats.Items))
	queueDepth.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	queueDepth.WithLabelValues(string(StatusActive)).Set(float64(stats.Active))
	queueDepth.WithLabelValues(string(StatusCompleted)).Set(float64(stats.Completed))
	queueDepth.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
}
