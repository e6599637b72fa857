package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks the admin HTTP surface's request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetctl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Admin HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// NewMetricsRegistry creates a Prometheus registry with the Go/process
// collectors, the shared HTTP request duration metric, and any
// additional collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

// DeviceOutcomesTotal counts per-device outcomes by terminal status
// (succeeded, failed, timed_out, rolled_back, skipped, cancelled).
var DeviceOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "device",
		Name:      "outcomes_total",
		Help:      "Total number of per-device job outcomes by status.",
	},
	[]string{"status"},
)

// JobDuration tracks end-to-end job wall-clock time from admission to
// finalize.
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetctl",
		Subsystem: "job",
		Name:      "duration_seconds",
		Help:      "Job execution duration in seconds, from dispatch to finalize.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	},
	[]string{"kind", "status"},
)

// QueueDepth reports the number of items currently visible (ready to be
// dequeued) in the durable job queue.
var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fleetctl",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of queue items currently visible and awaiting dequeue.",
	},
)

// AdmissionInFlight tracks how many device tasks currently hold an
// admission-control slot, summed across all jobs in the process.
var AdmissionInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fleetctl",
		Subsystem: "engine",
		Name:      "admission_inflight",
		Help:      "Number of device tasks currently holding an admission-control slot.",
	},
)

// CredentialAccessTotal counts credential resolver lookups by device
// credential kind and result (ok, denied, error).
var CredentialAccessTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "credential",
		Name:      "access_total",
		Help:      "Total number of credential resolution attempts by kind and result.",
	},
	[]string{"kind", "result"},
)

// DriverRetriesTotal counts the one-shot transient-error retry the HTTP
// API drivers perform, by vendor driver name.
var DriverRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "driver",
		Name:      "retries_total",
		Help:      "Total number of transient-error retries performed by HTTP API drivers.",
	},
	[]string{"driver"},
)

// All returns fleetctl's own metrics for registration alongside the
// shared process/Go collectors.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DeviceOutcomesTotal,
		JobDuration,
		QueueDepth,
		AdmissionInFlight,
		CredentialAccessTotal,
		DriverRetriesTotal,
	}
}
