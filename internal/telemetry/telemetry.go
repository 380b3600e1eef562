package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the orchestration engine.
type Metrics struct {
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	AgentsCreated    prometheus.Counter
	AgentsDeleted    prometheus.Counter
	TeardownFailures prometheus.Counter
	NegotiationFails prometheus.Counter
	StepsExecuted    *prometheus.CounterVec
	StepDuration     prometheus.Histogram
	ChunksStreamed   prometheus.Counter
}

// NewMetrics registers the engine collectors on reg. A nil registerer gets a
// private registry so tests never collide on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_sessions_started_total",
			Help: "Orchestration sessions started.",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_sessions_finished_total",
			Help: "Orchestration sessions finished, by terminal state.",
		}, []string{"state"}),
		AgentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_agents_created_total",
			Help: "Remote agents created.",
		}),
		AgentsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_agents_deleted_total",
			Help: "Remote agents deleted.",
		}),
		TeardownFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_teardown_failures_total",
			Help: "Agent deletions that failed during teardown.",
		}),
		NegotiationFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_negotiation_failures_total",
			Help: "Plan negotiations rejected during validation.",
		}),
		StepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_steps_executed_total",
			Help: "Plan steps finished, by status.",
		}, []string{"status"}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ensemble_step_duration_seconds",
			Help:    "Wall time per executed plan step.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ChunksStreamed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ensemble_chunks_streamed_total",
			Help: "Output chunks streamed across all sessions.",
		}),
	}
}
