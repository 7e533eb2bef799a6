// Package metrics provides Prometheus metrics for the routing layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmrelay"

var (
	// RequestsTotal counts routed requests by provider, model and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total routed requests by provider, model and status",
		},
		[]string{"provider", "model", "status"},
	)

	// FallbackAttempts counts attempts against fallback-chain candidates.
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_attempts_total",
			Help:      "Total fallback attempts by original and candidate provider",
		},
		[]string{"from", "to"},
	)

	// TokensTotal counts tokens consumed by provider and direction.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens by provider and direction (input/output)",
		},
		[]string{"provider", "direction"},
	)

	// SpendUSD accumulates computed dollar cost by provider and model.
	SpendUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Accumulated cost in USD by provider and model",
		},
		[]string{"provider", "model"},
	)
)

// ObserveUsage records the token and spend counters for one completed call.
func ObserveUsage(provider, model string, inputTokens, outputTokens int, costUSD float64) {
	TokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	SpendUSD.WithLabelValues(provider, model).Add(costUSD)
}
