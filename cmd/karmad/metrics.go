package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resultsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "karmad_results_received",
	Help: "Number of result events received from the stream",
})

var sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "karmad_sessions_started",
	Help: "Number of scoring sessions started",
})

var sessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "karmad_sessions_evicted",
	Help: "Number of sessions finalized by cache eviction or idle TTL",
})

var trackedSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "karmad_tracked_sessions",
	Help: "Current number of tracked sessions",
})
