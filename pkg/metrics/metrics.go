// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts job submissions by outcome.
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runpod_submissions_total",
			Help: "Total number of RunPod job submissions by outcome.",
		},
		[]string{"outcome"}, // "accepted", "rejected", "circuit_open"
	)

	// SubmissionLatency tracks the time to obtain a job ID, retries included.
	SubmissionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runpod_submission_latency_seconds",
			Help:    "Time to submit a job to RunPod, including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// PollsTotal counts status reads by the status observed.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runpod_polls_total",
			Help: "Total number of job status reads by observed status.",
		},
		[]string{"status"}, // RunPod status, "UNKNOWN" or "error"
	)

	// JobsTotal counts finished jobs by outcome.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runpod_jobs_total",
			Help: "Total number of relayed jobs by final outcome.",
		},
		[]string{"outcome"}, // "completed", "failed", "timeout", "unavailable", "cancelled"
	)

	// JobDuration tracks submission-to-terminal time.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runpod_job_duration_seconds",
			Help:    "Time from submission to a terminal outcome.",
			Buckets: []float64{1, 3, 6, 10, 20, 30, 60, 120, 180, 300},
		},
		[]string{"outcome"},
	)

	// TokensStreamed counts token fragments written to client streams.
	TokensStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_tokens_streamed_total",
			Help: "Total number of token fragments written to client streams.",
		},
	)

	// ActivePolls tracks the number of pollers currently running.
	ActivePolls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_polls",
			Help: "Number of jobs currently being polled.",
		},
	)

	// RequestsTotal tracks inbound chat requests by transport and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of chat requests by transport and status.",
		},
		[]string{"transport", "status"}, // status: "streaming", "bad_request", "error"
	)

	// CircuitBreakerState tracks the submission circuit breaker.
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runpod_circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
	)

	// AvailableKeys tracks API keys that are not rate limited.
	AvailableKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runpod_available_api_keys",
			Help: "Number of RunPod API keys not currently rate limited.",
		},
	)
)

// RecordJob records a finished job's outcome and duration.
func RecordJob(outcome string, seconds float64) {
	JobsTotal.WithLabelValues(outcome).Inc()
	JobDuration.WithLabelValues(outcome).Observe(seconds)
}
