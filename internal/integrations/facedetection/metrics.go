package facedetection

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const metricsNamespace = "face_detect"

// metrics holds the service counters on a registry owned by the service
type metrics struct {
	registry *prometheus.Registry

	attempts          prometheus.Counter
	failures          prometheus.Counter
	calls             prometheus.Counter
	detectionFailures prometheus.Counter
	faces             prometheus.Counter
	duration          prometheus.Histogram
}

func newMetrics(engine string, initialized func() bool) *metrics {
	labels := prometheus.Labels{"engine": engine}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &metrics{
		registry:          prometheus.NewRegistry(),
		attempts:          counter("construction_attempts_total", "Detector construction attempts"),
		failures:          counter("construction_failures_total", "Failed detector construction attempts"),
		calls:             counter("detection_calls_total", "Detection calls that reached the detector"),
		detectionFailures: counter("detection_failures_total", "Detection calls that returned an error"),
		faces:             counter("faces_detected_total", "Faces returned by successful detection calls"),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "detection_duration_seconds",
			Help:        "Duration of detection calls",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	ready := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Name:        "detector_initialized",
		Help:        "1 while a detector is held",
		ConstLabels: labels,
	}, func() float64 {
		if initialized() {
			return 1
		}
		return 0
	})

	m.registry.MustRegister(m.attempts, m.failures, m.calls, m.detectionFailures, m.faces, m.duration, ready)
	return m
}

// counterValue reads the current value of a counter
func counterValue(c prometheus.Counter) int64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return int64(out.GetCounter().GetValue())
}
