package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for detection counters.
const (
	OutcomeSuccess  = "success"
	OutcomeDegraded = "degraded"
	OutcomeUnknown  = "unknown"
	OutcomeRejected = "rejected"
)

var (
	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowsentry",
			Name:      "detections_total",
			Help:      "Total number of detection requests handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	detectionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowsentry",
			Name:      "detection_seconds",
			Help:      "End-to-end detection latency in seconds.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	modelFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowsentry",
			Name:      "model_failures_total",
			Help:      "Per-model inference failures and timeouts absorbed into degraded verdicts.",
		},
		[]string{"model"},
	)

	modelReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowsentry",
			Name:      "model_reloads_total",
			Help:      "Model registry reload attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowsentry",
			Name:      "batch_size",
			Help:      "Number of samples per batched detection request.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)
)

// Register attaches flowsentry collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		detectionsTotal,
		detectionSeconds,
		modelFailuresTotal,
		modelReloadsTotal,
		batchSize,
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

// ObserveDetection records one detection request.
func ObserveDetection(duration time.Duration, outcome string) {
	detectionsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	detectionSeconds.Observe(duration.Seconds())
}

// ObserveModelFailure counts an absorbed per-model failure.
func ObserveModelFailure(modelID string) {
	modelFailuresTotal.WithLabelValues(modelID).Inc()
}

// ObserveReload counts a registry reload attempt.
func ObserveReload(ok bool) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = "error"
	}
	modelReloadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatch records the size of a batched request.
func ObserveBatch(size int) {
	batchSize.Observe(float64(size))
}
