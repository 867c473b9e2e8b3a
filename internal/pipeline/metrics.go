package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycore_requests_total",
		Help: "Completed pipeline requests by outcome.",
	}, []string{"outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaycore_request_duration_seconds",
		Help:    "End to end pipeline latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "model"})

	cacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycore_cache_events_total",
		Help: "Response cache lookups by result.",
	}, []string{"status"})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycore_upstream_errors_total",
		Help: "Provider call failures by provider and error kind.",
	}, []string{"provider", "kind"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycore_tokens_total",
		Help: "Tokens processed by direction.",
	}, []string{"provider", "model", "direction"})

	costTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycore_cost_total",
		Help: "Accumulated spend by provider and model, in the profile currency.",
	}, []string{"provider", "model", "currency"})

	budgetVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycore_budget_verdicts_total",
		Help: "Budget constraint outcomes.",
	}, []string{"outcome"})

	downgradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaycore_downgrades_total",
		Help: "Requests served by a cheaper model than requested.",
	})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycore_fallbacks_total",
		Help: "Dispatches that fell through to a fallback model.",
	}, []string{"from", "to"})
)
