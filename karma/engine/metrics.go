package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checkpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "karma_checkpoint_duration_sec",
	Help: "Total duration of checkpoint evaluation, including any tarpit delay",
}, []string{"phase"})

var verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "karma_verdicts",
	Help: "Number of admission decisions, by phase and outcome",
}, []string{"phase", "outcome"})

var awardsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "karma_awards_applied",
	Help: "Number of awards applied to session scores",
}, []string{"direction"})

var streamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "karma_stream_events",
	Help: "Number of published check results processed",
}, []string{"outcome"})

var storeErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "karma_store_errors",
	Help: "Number of reputation store failures (engine degrades, never fails)",
})

var tarpitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "karma_tarpit_seconds",
	Help:    "Tarpit delays applied to negative-karma sessions",
	Buckets: []float64{0.5, 1, 2, 3, 5, 10},
})

var finalScore = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "karma_final_score",
	Help:    "Session scores at disconnect",
	Buckets: []float64{-20, -10, -5, -2, 0, 2, 5, 10, 20},
})

var deniesIntercepted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "karma_denies_intercepted",
	Help: "Third-party denials converted to score penalties",
}, []string{"check"})

type checkpointTimer struct {
	phase Phase
	start time.Time
}

func newCheckpointTimer(phase Phase) *checkpointTimer {
	return &checkpointTimer{phase: phase, start: time.Now()}
}

func (t *checkpointTimer) done() {
	checkpointDuration.WithLabelValues(string(t.phase)).Observe(time.Since(t.start).Seconds())
}
