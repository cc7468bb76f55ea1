package aggregate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeFragment      = "fragment"
	outcomeEmpty         = "empty"
	outcomeError         = "error"
	outcomeTimeout       = "timeout"
	outcomeNotConfigured = "not_configured"
)

var (
	// sourceFetchTotal counts fetches by slot and outcome
	sourceFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aris_source_fetch_total",
		Help: "Context source fetches by slot and outcome",
	}, []string{"slot", "outcome"})

	sourceFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aris_source_fetch_duration_seconds",
		Help:    "Context source fetch latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"slot"})
)
