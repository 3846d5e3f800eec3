package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Scheduler metrics (§4.1).
var (
	ProbesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightowl",
			Subsystem: "scheduler",
			Name:      "probes_dispatched_total",
			Help:      "Total number of check_service_once commands published, by region.",
		},
		[]string{"region"},
	)

	ProbesDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nightowl",
			Subsystem: "scheduler",
			Name:      "probes_deduped_total",
			Help:      "Total number of probes skipped because a cache-key dispatch was already in flight.",
		},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nightowl",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a single scheduler tick.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	ResultsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightowl",
			Subsystem: "pipeline",
			Name:      "results_ingested_total",
			Help:      "Total number of probe results ingested, by status.",
		},
		[]string{"status"},
	)
)

// HTTPRequestDuration records request latency for every HTTP-facing process
// mode, labeled by method/route/status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "nightowl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests, by method, route, and status code.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// Worker fleet metrics (§4.2-4.3).
var (
	WorkersRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nightowl",
			Subsystem: "workers",
			Name:      "registered_total",
			Help:      "Total number of worker registrations accepted.",
		},
	)

	WorkersApprovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nightowl",
			Subsystem: "workers",
			Name:      "approved_total",
			Help:      "Total number of worker approvals.",
		},
	)

	HeartbeatsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nightowl",
			Subsystem: "workers",
			Name:      "heartbeats_rejected_total",
			Help:      "Total number of heartbeats rejected, by gate.",
		},
		[]string{"gate"},
	)

	WorkersStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nightowl",
			Subsystem: "workers",
			Name:      "marked_stale_total",
			Help:      "Total number of workers evicted to STALE by the heartbeat janitor.",
		},
	)

	WorkersAnomalousTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nightowl",
			Subsystem: "workers",
			Name:      "anomalous_total",
			Help:      "Total number of workers flagged by the points anomaly sweep.",
		},
	)
)

// All returns every nightowl-monitor metric for registration with a registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ProbesDispatchedTotal,
		ProbesDedupedTotal,
		SchedulerTickDuration,
		ResultsIngestedTotal,
		HTTPRequestDuration,
		WorkersRegisteredTotal,
		WorkersApprovedTotal,
		HeartbeatsRejectedTotal,
		WorkersStaleTotal,
		WorkersAnomalousTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry pre-populated with Go
// runtime/process collectors plus the given domain collectors.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
