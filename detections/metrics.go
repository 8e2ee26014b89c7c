package detections

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Inference outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCanceled  = "canceled"
	OutcomeAbandoned = "abandoned"
)

type Metrics struct {
	Inferences  *prometheus.CounterVec
	WaitSeconds prometheus.Histogram
	RunSeconds  prometheus.Histogram
	InFlight    prometheus.Gauge
	Waiting     prometheus.Gauge
	Detections  *prometheus.CounterVec
}

// NewMetrics registers the detector metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Inferences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scan",
			Name:      "inferences_total",
			Help:      "Inference requests by outcome.",
		}, []string{"outcome"}),
		WaitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scan",
			Name:      "session_wait_seconds",
			Help:      "Time spent waiting for exclusive access to the session.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		RunSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scan",
			Name:      "session_run_seconds",
			Help:      "Duration of native inference calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "scan",
			Name:      "session_in_flight",
			Help:      "Native inference calls currently running.",
		}),
		Waiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "scan",
			Name:      "session_waiting",
			Help:      "Requests waiting for the session.",
		}),
		Detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scan",
			Name:      "detections_total",
			Help:      "Detections returned, by classification.",
		}, []string{"classification"}),
	}
}
