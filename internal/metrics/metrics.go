package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeComplete labels analyses that reached COMPLETE.
	OutcomeComplete = "complete"
	// OutcomeFailed labels analyses that ended FAILED.
	OutcomeFailed = "failed"
	// OutcomeSkipped labels submissions that were idempotent no-ops.
	OutcomeSkipped = "skipped"
)

var (
	pollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildwatch",
			Name:      "poll_cycles_total",
			Help:      "Discovery poll cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	buildsDiscoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildwatch",
			Name:      "builds_discovered_total",
			Help:      "Terminal builds enqueued for analysis by the scheduler.",
		},
	)

	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildwatch",
			Name:      "analyses_total",
			Help:      "Analyses handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "buildwatch",
			Name:      "analysis_seconds",
			Help:      "End-to-end analysis latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	inferenceCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildwatch",
			Name:      "inference_calls_total",
			Help:      "Inference collaborator calls, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	patternLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildwatch",
			Name:      "pattern_lookups_total",
			Help:      "Pattern store lookups, partitioned by result.",
		},
		[]string{"result"},
	)

	patternsEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildwatch",
			Name:      "patterns_evicted_total",
			Help:      "Patterns removed by TTL eviction.",
		},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildwatch",
			Name:      "actions_total",
			Help:      "Remediation actions, partitioned by kind and final status.",
		},
		[]string{"kind", "status"},
	)
)

// Register attaches buildwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pollCyclesTotal,
		buildsDiscoveredTotal,
		analysesTotal,
		analysisDurationSeconds,
		inferenceCallsTotal,
		patternLookupsTotal,
		patternsEvictedTotal,
		actionsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePollCycle records one discovery cycle.
func ObservePollCycle(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	pollCyclesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDiscovered counts builds handed to the analysis pool.
func ObserveDiscovered(n int) {
	if n > 0 {
		buildsDiscoveredTotal.Add(float64(n))
	}
}

// ObserveAnalysis records an analysis duration and outcome label.
func ObserveAnalysis(duration time.Duration, outcome string) {
	analysesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// ObserveInference records one inference collaborator call.
func ObserveInference(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	inferenceCallsTotal.WithLabelValues(outcome).Inc()
}

// ObservePatternLookup records a pattern store lookup result.
func ObservePatternLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	patternLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveEvicted counts TTL-evicted patterns.
func ObserveEvicted(n int) {
	if n > 0 {
		patternsEvictedTotal.Add(float64(n))
	}
}

// ObserveAction records a finished action by kind and terminal status.
func ObserveAction(kind, status string) {
	actionsTotal.WithLabelValues(kind, status).Inc()
}
