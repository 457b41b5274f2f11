// Package metrics holds the Prometheus collectors cibot exports on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsDispatched counts builds accepted by a CI server, by job kind
	BuildsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cibot_builds_dispatched_total",
		Help: "Total builds dispatched by job kind",
	}, []string{"kind"})

	// DispatchFailures counts builds a CI server refused or failed to start
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cibot_dispatch_failures_total",
		Help: "Total failed build dispatches by job kind",
	}, []string{"kind"})

	// DispatchDuration tracks how long a build trigger call takes
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cibot_dispatch_duration_seconds",
		Help:    "Build dispatch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"dispatcher"})

	// MergeDecisions counts merge gate verdicts
	MergeDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cibot_merge_decisions_total",
		Help: "Total merge gate decisions by outcome",
	}, []string{"decision"})

	// Events counts routed events by type and outcome (planned, dropped, error)
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cibot_events_total",
		Help: "Total routed events by type and outcome",
	}, []string{"event", "outcome"})

	// TruncatedCommits counts commits dropped by the verify chain limit
	TruncatedCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cibot_verify_chain_truncated_commits_total",
		Help: "Total commits skipped because of the verify chain limit",
	})

	// HTTPRequests counts requests served by cibot serve, by route and status code
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cibot_http_requests_total",
		Help: "Total HTTP requests by route and status code",
	}, []string{"route", "code"})

	// SelectedCommits tracks how many commits a push selects for verification
	SelectedCommits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cibot_push_selected_commits",
		Help:    "Number of commits selected for verification per push",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})
)
