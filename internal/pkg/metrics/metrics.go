package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardgate_authorizations_total",
		Help: "The total number of authorization requests by terminal outcome",
	}, []string{"outcome"})

	PolicyBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardgate_policy_blocks_total",
		Help: "Total policy engine blocks by rule",
	}, []string{"rule"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardgate_breaker_state",
		Help: "Circuit breaker state per endpoint (0=closed, 1=open, 2=half-open)",
	}, []string{"endpoint"})

	SigningSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardgate_signing_sessions_total",
		Help: "Signing sessions by terminal state",
	}, []string{"state"})

	LedgerReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardgate_ledger_releases_total",
		Help: "Velocity reservations rolled back after a downstream failure",
	})
)
