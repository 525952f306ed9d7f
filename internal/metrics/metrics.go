package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle metrics
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	SessionTransitionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_session_transitions_rejected_total",
			Help: "Total number of rejected illegal session transitions",
		},
		[]string{"from", "to"},
	)

	StalenessRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_staleness_repairs_total",
			Help: "Provider results repaired to failed after exceeding the staleness window",
		},
		[]string{"provider", "status"},
	)

	// Lane queue metrics
	LaneJobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_lane_jobs_enqueued_total",
			Help: "Total lane jobs admitted per provider",
		},
		[]string{"provider"},
	)

	LaneJobsDeduped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_lane_jobs_deduped_total",
			Help: "Enqueues collapsed onto an in-flight job with the same idempotency key",
		},
		[]string{"provider"},
	)

	LaneJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_lane_jobs_completed_total",
			Help: "Lane jobs settled, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	LaneDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepresearch_lane_depth",
			Help: "Jobs waiting in a provider lane",
		},
		[]string{"provider"},
	)

	// Pipeline metrics
	PipelineTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_pipeline_ticks_total",
			Help: "Research run pipeline ticks executed, by provider and step type",
		},
		[]string{"provider", "step"},
	)

	PipelineStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_pipeline_step_duration_seconds",
			Help:    "Duration of one pipeline step",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"provider", "step"},
	)

	// Fan-out metrics
	FanoutSubcalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_fanout_subcalls_total",
			Help: "Fan-out scout sub-calls, by outcome",
		},
		[]string{"outcome"},
	)

	FanoutRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_fanout_retries_total",
			Help: "Scout sub-call retries after transient provider errors",
		},
	)

	FanoutContinuations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_fanout_continuations_total",
			Help: "Consolidation continuation passes issued for truncated output",
		},
	)

	FanoutFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_fanout_fallbacks_total",
			Help: "Consolidation failures served by the raw-concatenation fallback",
		},
	)

	// Finalization metrics
	EmailsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_emails_sent_total",
			Help: "Reports emailed successfully",
		},
	)

	EmailsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_emails_failed_total",
			Help: "Report email attempts that failed",
		},
	)

	RenderFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_render_failures_total",
			Help: "PDF render failures (session downgraded, not aborted)",
		},
	)

	// Lock metrics
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_lock_acquisitions_total",
			Help: "Named lock acquisition attempts, by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	// Provider call metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_provider_calls_total",
			Help: "External provider calls, by provider, operation and outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_provider_call_duration_seconds",
			Help:    "External provider call duration",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 180, 600},
		},
		[]string{"provider", "operation"},
	)
)
