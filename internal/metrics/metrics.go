// Package metrics exposes Prometheus collectors for the taskboard service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/crawl-taskboard/internal/crawler"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	progressPollsTotal         *prometheus.CounterVec
	progressPollDuration       prometheus.Histogram
	runningAnomaliesTotal      prometheus.Counter
	tasksTracked               *prometheus.GaugeVec
	snapshotSavesTotal         *prometheus.CounterVec
	guardContentionTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. Observe helpers are no-ops
// until Init has run.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		progressPollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskboard_progress_polls_total",
				Help: "Progress polls against the crawler service, labeled by result.",
			},
			[]string{"result"},
		)

		progressPollDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskboard_progress_poll_duration_seconds",
				Help:    "Latency of progress polls.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 3},
			},
		)

		runningAnomaliesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "taskboard_running_anomalies_total",
				Help: "Progress snapshots that reported more than one running task.",
			},
		)

		tasksTracked = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskboard_tasks",
				Help: "Tracked tasks by status after the latest reconciliation.",
			},
			[]string{"status"},
		)

		snapshotSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskboard_snapshot_saves_total",
				Help: "Task snapshot writes, labeled by result.",
			},
			[]string{"result"},
		)

		guardContentionTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskboard_guard_contention_total",
				Help: "Actions refused because another crawl held the running slot.",
			},
			[]string{"operation"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePoll records a progress poll outcome ("success" or "error").
func ObservePoll(result string, duration time.Duration) {
	if progressPollsTotal == nil {
		return
	}
	progressPollsTotal.WithLabelValues(result).Inc()
	progressPollDuration.Observe(duration.Seconds())
}

// ObserveRunningAnomaly counts a snapshot with several running tasks.
func ObserveRunningAnomaly() {
	if runningAnomaliesTotal == nil {
		return
	}
	runningAnomaliesTotal.Inc()
}

// SetTaskCounts publishes per-status task counts for records.
func SetTaskCounts(records []crawler.TaskRecord) {
	if tasksTracked == nil {
		return
	}
	counts := map[crawler.TaskStatus]int{
		crawler.TaskStatusQueued:  0,
		crawler.TaskStatusRunning: 0,
		crawler.TaskStatusDone:    0,
		crawler.TaskStatusError:   0,
		crawler.TaskStatusStopped: 0,
	}
	for _, rec := range records {
		counts[rec.Status]++
	}
	for status, n := range counts {
		tasksTracked.WithLabelValues(string(status)).Set(float64(n))
	}
}

// ObserveSnapshotSave records a snapshot write outcome ("success" or "error").
func ObserveSnapshotSave(result string) {
	if snapshotSavesTotal == nil {
		return
	}
	snapshotSavesTotal.WithLabelValues(result).Inc()
}

// ObserveContention counts an operation refused by the running guard.
func ObserveContention(operation string) {
	if guardContentionTotal == nil {
		return
	}
	guardContentionTotal.WithLabelValues(operation).Inc()
}
