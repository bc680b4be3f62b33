// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the plan generation pipeline.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planfit_gateway_requests_total",
			Help: "Total generation requests by provider, tier and outcome",
		},
		[]string{"provider", "tier", "status"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planfit_gateway_request_duration_seconds",
			Help:    "Generation request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	GatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planfit_gateway_retries_total",
			Help: "Total retry attempts by provider",
		},
		[]string{"provider"},
	)

	GatewayFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "planfit_gateway_fallbacks_total",
			Help: "Deep-to-fast tier fallback attempts",
		},
	)

	GatewayTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planfit_gateway_tokens_total",
			Help: "Token usage reported by provider envelopes",
		},
		[]string{"provider", "kind"},
	)

	// Conversation metrics
	ConversationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planfit_conversation_transitions_total",
			Help: "State machine transitions by plan type and target state",
		},
		[]string{"plan_type", "to_state"},
	)

	GenerationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planfit_generation_outcomes_total",
			Help: "Plan generation outcomes (completed, partial_success, failed)",
		},
		[]string{"plan_type", "outcome"},
	)

	// Analyzer metrics
	AnalyzerCompleteness = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "planfit_analyzer_completeness",
			Help:    "Structural completeness fraction of generated responses",
			Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 0.95, 1.0},
		},
	)

	GuardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planfit_guard_rejections_total",
			Help: "Interview messages rejected by the input guard",
		},
		[]string{"category"},
	)

	// Ledger metrics
	LedgerCleanups = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "planfit_ledger_cleanups_total",
			Help: "Ledger entries removed by retention cleanup",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all pipeline metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			GatewayRequests,
			GatewayRequestDuration,
			GatewayRetries,
			GatewayFallbacks,
			GatewayTokens,
			ConversationTransitions,
			GenerationOutcomes,
			AnalyzerCompleteness,
			GuardRejections,
			LedgerCleanups,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
