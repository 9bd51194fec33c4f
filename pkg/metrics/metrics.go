package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptrsweep_jobs_queue_depth",
			Help: "Number of jobs currently held in the in-memory dispatch queue",
		},
	)

	JobsDispensedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptrsweep_jobs_dispensed_total",
			Help: "Total number of jobs handed out to workers",
		},
	)

	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptrsweep_jobs_completed_total",
			Help: "Total number of jobs reported complete",
		},
	)

	JobsRecycledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptrsweep_jobs_recycled_total",
			Help: "Total number of already-completed jobs re-dispensed during queue refill",
		},
	)

	JobsRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptrsweep_jobs_recovered_total",
			Help: "Total number of jobs reclaimed by the watchdog after neglect",
		},
	)

	// Result metrics
	ResultsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptrsweep_results_stored_total",
			Help: "Total number of PTR records persisted",
		},
	)

	ResultBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptrsweep_result_batch_duration_seconds",
			Help:    "Time taken to store a batch of results",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Resolver metrics
	ResolveOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptrsweep_resolve_outcomes_total",
			Help: "Total PTR resolutions by outcome classification",
		},
		[]string{"outcome"},
	)

	ResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptrsweep_resolve_duration_seconds",
			Help:    "Time taken for a single PTR query, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	NameserversDemotedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptrsweep_nameservers_demoted_total",
			Help: "Total number of nameservers marked bad after exceeding the comm-error threshold",
		},
	)

	NameserversGood = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptrsweep_nameservers_good",
			Help: "Number of nameservers currently considered usable, summed across all workers",
		},
	)

	// Worker metrics
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptrsweep_workers_running",
			Help: "Number of worker loops currently executing a job",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ptrsweep_job_duration_seconds",
			Help:    "Wall-clock time to resolve every address in a job",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsQueueDepth,
		JobsDispensedTotal,
		JobsCompletedTotal,
		JobsRecycledTotal,
		JobsRecoveredTotal,
		ResultsStoredTotal,
		ResultBatchDuration,
		ResolveOutcomesTotal,
		ResolveDuration,
		NameserversDemotedTotal,
		NameserversGood,
		WorkersRunning,
		JobDuration,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
