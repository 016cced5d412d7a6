package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks request latency by method, route pattern, and
// status code. Populated by the httpserver Metrics middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "forgebay",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// RunTransitionsTotal counts state machine transitions by the state entered
// and, for failed, the failure reason code.
var RunTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgebay",
		Subsystem: "run",
		Name:      "transitions_total",
		Help:      "Total number of run state transitions, labeled by resulting state.",
	},
	[]string{"state", "reason"},
)

// SlotAcquisitionsTotal counts slot acquire attempts by outcome
// (acquired, already_held, waiting, conflict).
var SlotAcquisitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgebay",
		Subsystem: "slot",
		Name:      "acquisitions_total",
		Help:      "Total number of slot acquire attempts, labeled by outcome.",
	},
	[]string{"outcome"},
)

// SlotLeasesReapedTotal counts leases reaped by reap_expired.
var SlotLeasesReapedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "forgebay",
		Subsystem: "slot",
		Name:      "leases_reaped_total",
		Help:      "Total number of expired slot leases reaped.",
	},
)

// PreviewDBResetsTotal counts preview database reset attempts by outcome.
var PreviewDBResetsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgebay",
		Subsystem: "previewdb",
		Name:      "resets_total",
		Help:      "Total number of preview database reset operations, labeled by outcome.",
	},
	[]string{"outcome"},
)

// DeployOutcomesTotal counts merge/deploy gate executions by terminal
// outcome (merged, failed).
var DeployOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgebay",
		Subsystem: "mergegate",
		Name:      "deploy_outcomes_total",
		Help:      "Total number of merge/deploy gate executions, labeled by outcome.",
	},
	[]string{"outcome"},
)

// SlackNotificationsTotal counts Slack notifications sent, by the run
// status that triggered them.
var SlackNotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forgebay",
		Subsystem: "notify",
		Name:      "slack_notifications_total",
		Help:      "Total number of Slack notifications sent, labeled by triggering run status.",
	},
	[]string{"status"},
)

// DeployStepDuration tracks how long each deploy gate step takes.
var DeployStepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "forgebay",
		Subsystem: "mergegate",
		Name:      "deploy_step_duration_seconds",
		Help:      "Duration of each merge/deploy gate step in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
	[]string{"step"},
)

// All returns every forgebay-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		RunTransitionsTotal,
		SlotAcquisitionsTotal,
		SlotLeasesReapedTotal,
		PreviewDBResetsTotal,
		DeployOutcomesTotal,
		DeployStepDuration,
		SlackNotificationsTotal,
	}
}
