// Package metrics exposes the scheduler's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every control-plane collector
type Metrics struct {
	// Dispatcher
	DispatchesTotal   *prometheus.CounterVec // result=published|skipped|retried|failed
	DispatchBatchSize prometheus.Histogram
	DueJobsGauge      prometheus.Gauge

	// Status tracker
	StatusUpdatesTotal *prometheus.CounterVec // status label
	FlushDuration      *prometheus.HistogramVec
	BatchQueueDepth    *prometheus.GaugeVec // component label

	// Circuit breakers
	JobsAutoDisabledTotal prometheus.Counter
	RedisBreakerOpen      prometheus.Gauge

	// Zombie detector / DLQ
	ZombiesTotal           *prometheus.CounterVec // kind=queued|lost_running
	FailedOccurrencesTotal *prometheus.CounterVec // failure_type label
}

// New creates and registers every collector on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "dispatcher",
				Name:      "dispatches_total",
				Help:      "Dispatch outcomes per iteration.",
			},
			[]string{"result"},
		),
		DispatchBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "milvaion",
				Subsystem: "dispatcher",
				Name:      "batch_size",
				Help:      "Number of due jobs per iteration.",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		DueJobsGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "milvaion",
				Subsystem: "dispatcher",
				Name:      "due_jobs",
				Help:      "Due jobs seen by the last iteration.",
			},
		),
		StatusUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "tracker",
				Name:      "status_updates_total",
				Help:      "Status updates applied, by resulting status.",
			},
			[]string{"status"},
		),
		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "milvaion",
				Name:      "flush_duration_seconds",
				Help:      "Batch flush latency by component.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"component"},
		),
		BatchQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "milvaion",
				Name:      "batch_queue_depth",
				Help:      "In-memory batch queue depth by component.",
			},
			[]string{"component"},
		),
		JobsAutoDisabledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "tracker",
				Name:      "jobs_auto_disabled_total",
				Help:      "Jobs disabled by the failure circuit breaker.",
			},
		),
		RedisBreakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "milvaion",
				Subsystem: "redis",
				Name:      "breaker_open",
				Help:      "1 while the Redis circuit breaker is open.",
			},
		),
		ZombiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "zombie",
				Name:      "reconciled_total",
				Help:      "Occurrences reconciled to Unknown, by sweep kind.",
			},
			[]string{"kind"},
		),
		FailedOccurrencesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "milvaion",
				Subsystem: "dlq",
				Name:      "failed_occurrences_total",
				Help:      "Dead-lettered occurrences recorded, by failure type.",
			},
			[]string{"failure_type"},
		),
	}

	reg.MustRegister(
		m.DispatchesTotal, m.DispatchBatchSize, m.DueJobsGauge,
		m.StatusUpdatesTotal, m.FlushDuration, m.BatchQueueDepth,
		m.JobsAutoDisabledTotal, m.RedisBreakerOpen,
		m.ZombiesTotal, m.FailedOccurrencesTotal,
	)

	return m
}

// Global default metrics (can be replaced)
var defaultMetrics *Metrics
var metricsMu sync.RWMutex

// SetDefault sets the global default metrics
func SetDefault(m *Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	defaultMetrics = m
}

// Default returns the global default metrics, registering on a throwaway
// registry when none was set (tests).
func Default() *Metrics {
	metricsMu.RLock()
	m := defaultMetrics
	metricsMu.RUnlock()
	if m != nil {
		return m
	}

	metricsMu.Lock()
	defer metricsMu.Unlock()
	if defaultMetrics == nil {
		defaultMetrics = New(prometheus.NewRegistry())
	}
	return defaultMetrics
}
