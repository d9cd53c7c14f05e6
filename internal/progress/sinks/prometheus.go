package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-taskboard/internal/progress"
)

// PrometheusSink exports batch and task progress via Prometheus collectors.
type PrometheusSink struct {
	batchesStarted  prometheus.Counter
	batchesFinished *prometheus.CounterVec
	batchesActive   prometheus.Gauge
	batchRuntime    *prometheus.HistogramVec

	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksAborted  prometheus.Counter
	taskRuntime   *prometheus.HistogramVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskboard_batches_started_total",
			Help: "Total batches that have started.",
		}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskboard_batches_finished_total",
			Help: "Total batches finished partitioned by result.",
		}, []string{"result"}),
		batchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskboard_batches_active",
			Help: "Batches currently draining.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskboard_batch_runtime_seconds",
			Help:    "Wall time per finished batch.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskboard_tasks_started_total",
			Help: "Total tasks started by the batch runner.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskboard_tasks_finished_total",
			Help: "Tasks that reached a terminal status, partitioned by status.",
		}, []string{"status"}),
		tasksAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskboard_tasks_aborted_total",
			Help: "Tasks interrupted by stop, timeout or shutdown.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskboard_task_runtime_seconds",
			Help:    "Wall time from start to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesFinished,
		s.batchesActive,
		s.batchRuntime,
		s.tasksStarted,
		s.tasksFinished,
		s.tasksAborted,
		s.taskRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart, progress.StageBatchDone, progress.StageBatchAbort:
			s.handleBatchEvent(evt)
		case progress.StageTaskStart:
			s.tasksStarted.Inc()
		case progress.StageTaskDone:
			status := string(evt.Status)
			if status == "" {
				status = "unknown"
			}
			s.tasksFinished.WithLabelValues(status).Inc()
			if evt.Dur > 0 {
				s.taskRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
			}
		case progress.StageTaskAbort:
			s.tasksAborted.Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleBatchEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart:
		s.batchesStarted.Inc()
		if s.tracker.start(evt.BatchID) {
			s.batchesActive.Inc()
		}
		return
	case progress.StageBatchDone:
		s.batchesFinished.WithLabelValues("completed").Inc()
		s.observeRuntime(evt, "completed")
	case progress.StageBatchAbort:
		s.batchesFinished.WithLabelValues("aborted").Inc()
		s.observeRuntime(evt, "aborted")
	}
	if s.tracker.complete(evt.BatchID) {
		s.batchesActive.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[uuid.UUID]struct{})}
}

func (t *batchTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
