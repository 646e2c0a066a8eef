// Package metrics exposes Scout's per-batch and per-index counters
// (spec.md §6 Observability), grounded on the teacher's
// indexer/stats_manager.go dual surface: a cheap internal moving-counter
// set consulted by the scheduler loop itself, plus an external surface
// scraped by an operator's monitoring stack.
package metrics

import (
	rmetrics "github.com/rcrowley/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Internal is the low-overhead counter set updated by Registry's Record*
// methods, readable without crossing a registry lookup.
type Internal struct {
	TasksEnqueued  rmetrics.Counter
	TasksSucceeded rmetrics.Counter
	TasksFailed    rmetrics.Counter
	TasksCanceled  rmetrics.Counter
	BatchesRun     rmetrics.Counter
	BatchDuration  rmetrics.Timer
	MapFullRetries rmetrics.Counter
}

func NewInternal() *Internal {
	return &Internal{
		TasksEnqueued:  rmetrics.NewCounter(),
		TasksSucceeded: rmetrics.NewCounter(),
		TasksFailed:    rmetrics.NewCounter(),
		TasksCanceled:  rmetrics.NewCounter(),
		BatchesRun:     rmetrics.NewCounter(),
		BatchDuration:  rmetrics.NewTimer(),
		MapFullRetries: rmetrics.NewCounter(),
	}
}

// External is the Prometheus-scraped surface (spec.md §6 "/metrics").
// Registered once at startup and updated from the same call sites as
// Internal so the two surfaces never drift.
type External struct {
	TasksTotal       *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	OpenIndexes      prometheus.Gauge
	MapFullRetries   prometheus.Counter
	SearchLatency    *prometheus.HistogramVec
}

func NewExternal(reg prometheus.Registerer) *External {
	e := &External{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scout",
			Name:      "tasks_total",
			Help:      "Tasks processed, partitioned by terminal status.",
		}, []string{"status"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scout",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of one committed batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		OpenIndexes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scout",
			Name:      "open_indexes",
			Help:      "Index environments currently resident in the Index Map.",
		}),
		MapFullRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scout",
			Name:      "map_full_retries_total",
			Help:      "Resize-and-retry cycles triggered by a full mmap.",
		}),
		SearchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scout",
			Name:      "search_latency_seconds",
			Help:      "Search Coordinator latency, partitioned by query kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	reg.MustRegister(e.TasksTotal, e.BatchDuration, e.OpenIndexes, e.MapFullRetries, e.SearchLatency)
	return e
}

// Registry bundles both surfaces; each Record* method updates both
// (spec.md §9: injected, not global). cmd/scoutd creates one for
// /metrics; the Scheduler Loop, Processor and Search Coordinator do not
// hold one.
type Registry struct {
	Internal *Internal
	External *External
}

func New(reg prometheus.Registerer) *Registry {
	return &Registry{Internal: NewInternal(), External: NewExternal(reg)}
}

func (r *Registry) RecordTaskOutcome(status string) {
	r.External.TasksTotal.WithLabelValues(status).Inc()
	switch status {
	case "succeeded":
		r.Internal.TasksSucceeded.Inc(1)
	case "failed":
		r.Internal.TasksFailed.Inc(1)
	case "canceled":
		r.Internal.TasksCanceled.Inc(1)
	}
}

func (r *Registry) RecordBatch(seconds float64) {
	r.Internal.BatchesRun.Inc(1)
	r.Internal.BatchDuration.Update(toDuration(seconds))
	r.External.BatchDuration.Observe(seconds)
}

func (r *Registry) RecordMapFullRetry() {
	r.Internal.MapFullRetries.Inc(1)
	r.External.MapFullRetries.Inc()
}
