// Package metrics exposes the proxy's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts inbound requests by route and status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antigravity_proxy",
		Name:      "requests_total",
		Help:      "Inbound HTTP requests served.",
	}, []string{"route", "status"})

	// MalformedChunks counts upstream stream frames that failed to parse
	// and were discarded after the configured retry budget.
	MalformedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "antigravity_proxy",
		Name:      "malformed_chunks_total",
		Help:      "Upstream stream frames discarded as unparseable.",
	})

	// UpstreamRetries counts retried upstream calls by reason.
	UpstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antigravity_proxy",
		Name:      "upstream_retries_total",
		Help:      "Upstream calls retried across the endpoint pool.",
	}, []string{"reason"})

	// TokenRefreshes counts OAuth refresh attempts by outcome.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antigravity_proxy",
		Name:      "token_refreshes_total",
		Help:      "OAuth access token refresh attempts.",
	}, []string{"outcome"})
)
