package lmft

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of a tuner, kept in its own registry and flushed to a text file.
type Metrics struct {
	registry *prometheus.Registry

	trainSteps         prometheus.Counter
	trainLoss          prometheus.Gauge
	generatedTokens    prometheus.Counter
	generationDuration prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := Metrics{
		registry: prometheus.NewRegistry(),
		trainSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lmft",
			Subsystem: "train",
			Name:      "steps_total",
			Help:      "Total number of optimizer steps",
		}),
		trainLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lmft",
			Subsystem: "train",
			Name:      "loss",
			Help:      "Loss of the last optimizer step",
		}),
		generatedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lmft",
			Subsystem: "predict",
			Name:      "generated_tokens_total",
			Help:      "Total number of generated tokens",
		}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lmft",
			Subsystem: "predict",
			Name:      "batch_duration_seconds",
			Help:      "Duration of generating one batch in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.trainSteps, m.trainLoss, m.generatedTokens, m.generationDuration)
	return &m
}

// WriteToTextfile writes metrics in the text exposition format, for node exporter textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
