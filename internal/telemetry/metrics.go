package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_jobs_created_total", Help: "Generation jobs accepted, by tier"}, []string{"tier"})
	JobsTerminal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_jobs_terminal_total", Help: "Jobs reaching a terminal state, by status and fault"}, []string{"status", "fault"})
	ToolCallsApplied   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_tool_calls_applied_total", Help: "Tool calls applied to a canvas, by tool"}, []string{"tool"})
	ToolCallsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_tool_calls_rejected_total", Help: "Tool calls rejected by the harness, by error code"}, []string{"code"})
	CreditsCompensated = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ledger_credits_compensated_total", Help: "Credits returned to users, by compensation type"}, []string{"type"})
	SweepTransitions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sweep_transitions_total", Help: "Timeout transitions applied by the sweep"}, []string{"kind"})
	SweepDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "sweep_duration_seconds", Help: "Wall time of one sweep round", Buckets: prometheus.DefBuckets})
	FinalizeDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "finalize_duration_seconds", Help: "Wall time of the finalization pipeline", Buckets: prometheus.DefBuckets})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_rate_limit_rejects_total", Help: "Creation requests rejected by the rate limiter"})
	PendingQueueDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_pending_queue_depth", Help: "Jobs waiting for an agent"})
	LedgerDrift        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ledger_snapshot_drift_users", Help: "Users whose balance snapshot disagrees with the ledger"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsTerminal,
			ToolCallsApplied,
			ToolCallsRejected,
			CreditsCompensated,
			SweepTransitions,
			SweepDuration,
			FinalizeDuration,
			RateLimitRejects,
			PendingQueueDepth,
			LedgerDrift,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
