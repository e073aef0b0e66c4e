package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifycore"

var (
	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	admissionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "errors_total",
			Help:      "Admission attempts that failed on the store",
		},
		[]string{"stage"},
	)

	dispatchTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tokens_total",
			Help:      "Per-token push results",
		},
		[]string{"result"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time to fan out one job to all recipient tokens",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	tokensDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tokens_deleted_total",
			Help:      "Tokens removed after permanent gateway failures",
		},
	)

	digestEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "entries_total",
			Help:      "Digest backlog entries handled by sweeps",
		},
		[]string{"result"},
	)

	digestSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a digest sweep",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	jobsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "jobs_deleted_total",
			Help:      "Notification jobs removed by the retention job",
		},
	)
)

func recordAdmission(topic string, outcome Outcome) {
	admissionsTotal.WithLabelValues(topic, string(outcome)).Inc()
}

func recordAdmissionError(stage string) {
	admissionErrors.WithLabelValues(stage).Inc()
}

func recordDispatch(result DispatchResult, duration time.Duration) {
	dispatchTokens.WithLabelValues("delivered").Add(float64(result.Delivered))
	dispatchTokens.WithLabelValues("failed").Add(float64(result.Failed))
	dispatchDuration.Observe(duration.Seconds())
}

func recordTokensDeleted(n int64) {
	tokensDeleted.Add(float64(n))
}

func recordSweep(result SweepResult, duration time.Duration) {
	digestEntries.WithLabelValues("processed").Add(float64(result.Processed))
	digestEntries.WithLabelValues("skipped").Add(float64(result.Skipped))
	digestEntries.WithLabelValues("failed").Add(float64(result.Failed))
	digestSweepDuration.Observe(duration.Seconds())
}

func recordJobsPurged(n int64) {
	jobsPurged.Add(float64(n))
}
