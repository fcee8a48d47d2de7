package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics namespace for all triage metrics.
const metricsNamespace = "triage"

// HTTP metrics.
var (
	// RequestsTotal counts HTTP requests by route and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	// RequestDuration measures HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"route"},
	)
)

// Flow metrics.
var (
	// ResolutionsTotal counts runbook resolutions by flow and outcome.
	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resolutions_total",
			Help:      "Total number of runbook resolution attempts",
		},
		[]string{"flow", "outcome"},
	)

	// CloneStepsTotal counts clone pipeline steps by step name and outcome.
	CloneStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "clone_steps_total",
			Help:      "Total number of runbook clone pipeline steps",
		},
		[]string{"step", "outcome"},
	)

	// JobsSubmittedTotal counts execution jobs submitted by backend.
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of execution jobs submitted",
		},
		[]string{"backend"},
	)

	// JobPollDuration measures how long jobs take to reach a terminal state.
	JobPollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "job_poll_duration_seconds",
			Help:      "Time spent polling a job until it reached a terminal state",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"backend", "status"},
	)

	// PendingConfirmations tracks the number of troubleshooting proposals awaiting confirmation.
	PendingConfirmations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_confirmations",
			Help:      "Number of troubleshooting proposals awaiting confirmation",
		},
	)

	// AgentCallsTotal counts remote agent invocations by agent and outcome.
	AgentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agent_calls_total",
			Help:      "Total number of remote agent invocations",
		},
		[]string{"agent", "outcome"},
	)
)

func init() {
	// Register all metrics with the default registry.
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ResolutionsTotal,
		CloneStepsTotal,
		JobsSubmittedTotal,
		JobPollDuration,
		PendingConfirmations,
		AgentCallsTotal,
	)
}
