package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the pipeline's counters. A single instance is created in
// main and shared; the zero value is not usable.
type Metrics struct {
	AnalysesTotal        *prometheus.CounterVec
	StageSeconds         *prometheus.HistogramVec
	ChangesTotal         *prometheus.CounterVec
	ControllerRequests   *prometheus.CounterVec
	ControllerRateLimits prometheus.Counter
}

// New registers and returns the pipeline metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AnalysesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unifi_optimizer",
			Name:      "analyses_total",
			Help:      "Analysis jobs by final status.",
		}, []string{"status"}),
		StageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unifi_optimizer",
			Name:      "analysis_stage_seconds",
			Help:      "Wall time per pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		ChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unifi_optimizer",
			Name:      "changes_total",
			Help:      "Applied changes by outcome (applied, failed, reverted, dry_run).",
		}, []string{"outcome"}),
		ControllerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unifi_optimizer",
			Name:      "controller_requests_total",
			Help:      "Requests issued to the controller by operation.",
		}, []string{"op"}),
		ControllerRateLimits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "unifi_optimizer",
			Name:      "controller_rate_limited_total",
			Help:      "429 responses observed from the controller.",
		}),
	}
}
