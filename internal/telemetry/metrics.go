package telemetry

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tracktags",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "path", "status"},
)

var MetricIncrementsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracktags",
		Subsystem: "metric",
		Name:      "increments_total",
		Help:      "Total number of metric increments applied by MetricActors.",
	},
	[]string{"metric_name"},
)

var BreachesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracktags",
		Subsystem: "limit",
		Name:      "breaches_total",
		Help:      "Total number of edge-triggered breach events by action.",
	},
	[]string{"metric_name", "breach_action"},
)

var TicksPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracktags",
		Subsystem: "tick",
		Name:      "published_total",
		Help:      "Total number of ticks published by the TickBus, by tick name.",
	},
	[]string{"tick_name"},
)

var FlushDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tracktags",
		Subsystem: "flush",
		Name:      "duration_seconds",
		Help:      "Duration of a per-tick batch flush to the row store.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"tick_name"},
)

var FlushFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracktags",
		Subsystem: "flush",
		Name:      "failures_total",
		Help:      "Total number of failed per-tick batch flushes; entries are retried next tick.",
	},
	[]string{"tick_name"},
)

var BillingEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracktags",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Total number of billing webhook events processed, by event type and terminal status.",
	},
	[]string{"event_type", "status"},
)

var ProvisioningTasksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracktags",
		Subsystem: "provisioning",
		Name:      "tasks_total",
		Help:      "Total number of provisioning tasks processed, by terminal outcome.",
	},
	[]string{"action", "outcome"},
)

var ReconciliationRunsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tracktags",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total number of reconciliation worker passes.",
	},
)

var ReconciliationMismatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracktags",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Total number of subscription mismatches found/fixed by reconciliation.",
	},
	[]string{"outcome"},
)

// All returns all TrackTags-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		MetricIncrementsTotal,
		BreachesTotal,
		TicksPublishedTotal,
		FlushDuration,
		FlushFailuresTotal,
		BillingEventsTotal,
		ProvisioningTasksTotal,
		ReconciliationRunsTotal,
		ReconciliationMismatchesTotal,
	}
}
