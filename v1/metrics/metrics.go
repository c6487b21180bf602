package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// EnqueuedCounter tracks accepted submissions per backend.
	EnqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyq_enqueued_total",
		Help: "Total number of accepted task submissions",
	}, []string{"backend"})
	// OutcomeCounter tracks finished task executions by stage and result.
	OutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyq_outcomes_total",
		Help: "Total number of task outcomes by stage and result",
	}, []string{"stage", "result"})
	// BatchCounter tracks drained batches.
	BatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyq_batches_total",
		Help: "Total number of drained batches",
	})
	// BatchSize observes how many tasks each batch ran.
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keyq_batch_size",
		Help:    "Number of tasks per drained batch",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})
	// DrainGauge reports keys with a drain in flight.
	DrainGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keyq_active_drains",
		Help: "Current number of keys being drained",
	})
	// TaskLatency observes task execution time.
	TaskLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keyq_task_duration_seconds",
		Help:    "Task execution time",
		Buckets: prometheus.DefBuckets,
	})
	// LockWait observes time spent obtaining a lock or lease.
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keyq_lock_wait_seconds",
		Help:    "Time spent waiting for a lock or lease",
		Buckets: prometheus.DefBuckets,
	})
	// AcquireFailures tracks leases that could not be obtained in budget.
	AcquireFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyq_acquire_failures_total",
		Help: "Total number of lock acquisitions that exhausted their retry budget",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterQueueMetrics registers keyq metrics on the provided registry.
func RegisterQueueMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		EnqueuedCounter,
		OutcomeCounter,
		BatchCounter,
		BatchSize,
		DrainGauge,
		TaskLatency,
		LockWait,
		AcquireFailures,
	)
}
