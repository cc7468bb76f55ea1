package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chatTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aris_chat_turns_total",
		Help: "Chat turns by final state",
	}, []string{"state"})

	chatTurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aris_chat_turn_duration_seconds",
		Help:    "Time from turn start to its final state",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
	})

	chatRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aris_chat_rejected_total",
		Help: "Chat requests rejected before streaming, by reason",
	}, []string{"reason"})
)
