package logger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the gateway exposes on
// /metrics. A single instance is constructed at startup and threaded
// through the packages that need to record against it.
type Metrics struct {
	RateLimiterAcquisitions *prometheus.CounterVec
	RateLimiterBlocks       *prometheus.CounterVec
	RateLimiterWaitSeconds  *prometheus.HistogramVec

	TreeNodesByState *prometheus.GaugeVec
	TreeNodeErrors    *prometheus.CounterVec

	ProviderCallLatency *prometheus.HistogramVec
	ProviderCallErrors  *prometheus.CounterVec
}

// NewMetrics registers every instrument against reg and returns the handle.
// Callers in tests should pass a fresh prometheus.NewRegistry() to avoid
// collisions with the process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RateLimiterAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_rate_limiter_acquisitions_total",
			Help: "Token bucket acquisitions by provider.",
		}, []string{"provider"}),
		RateLimiterBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_rate_limiter_blocks_total",
			Help: "Times the reactive cooldown was triggered by an upstream 429.",
		}, []string{"provider"}),
		RateLimiterWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claude_bridge_rate_limiter_wait_seconds",
			Help:    "Time spent waiting on the rate coordinator before a call proceeds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		TreeNodesByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claude_bridge_tree_nodes",
			Help: "Current count of conversation tree nodes by state.",
		}, []string{"state"}),
		TreeNodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_tree_node_errors_total",
			Help: "Nodes that transitioned to the error state.",
		}, []string{"reason"}),

		ProviderCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claude_bridge_provider_call_seconds",
			Help:    "Upstream call latency by provider and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "outcome"}),
		ProviderCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_bridge_provider_call_errors_total",
			Help: "Upstream call failures by provider and error kind.",
		}, []string{"provider", "kind"}),
	}
}
