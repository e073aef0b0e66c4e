package push

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var gatewayRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "notifycore",
		Subsystem: "push_gateway",
		Name:      "request_duration_seconds",
		Help:      "Push gateway batch request duration by response class",
		Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	},
	[]string{"status"},
)

func recordRequest(status string, duration time.Duration) {
	gatewayRequestDuration.WithLabelValues(status).Observe(duration.Seconds())
}
