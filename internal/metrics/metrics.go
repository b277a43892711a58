// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eventgate"

var (
	// Admissions counts join attempts by outcome ("admitted" or an error code).
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Join attempts by result.",
	}, []string{"result"})

	// Rotations counts join code rotations by result ("ok" or "failed").
	Rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "code_rotations_total",
		Help:      "Join code rotations by result.",
	}, []string{"result"})

	// StatusTransitions counts event status changes.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Event status transitions.",
	}, []string{"from", "to"})

	// LockWait observes how long callers waited for a per-event lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the per-event critical section.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
	})

	// RateLimited counts requests rejected by the rate limiter, by limiter name.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by rate limiting.",
	}, []string{"limiter"})
)
