// Package metrics registers the prometheus instruments for the usage
// pipeline and serves them over /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the instruments shared by the ingestion pipeline.
type Metrics struct {
	SamplesIngested   *prometheus.CounterVec
	SessionsFinalized *prometheus.CounterVec
	DeviceCommands    *prometheus.CounterVec
	InsightsCreated   prometheus.Counter
	SampleDuration    prometheus.Histogram
}

// New registers the pipeline instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SamplesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usage",
			Name:      "telemetry_samples_total",
			Help:      "Telemetry samples ingested, by resolution outcome.",
		}, []string{"outcome"}),
		SessionsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usage",
			Name:      "sessions_finalized_total",
			Help:      "Usage sessions finalized, by ended reason.",
		}, []string{"reason"}),
		DeviceCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usage",
			Name:      "device_commands_total",
			Help:      "Relay commands issued through the gateway, by action and result.",
		}, []string{"action", "result"}),
		InsightsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "usage",
			Name:      "insights_created_total",
			Help:      "Device usage insights created.",
		}),
		SampleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "usage",
			Name:      "sample_processing_seconds",
			Help:      "Wall time spent processing one telemetry sample.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// NewDefault registers on the default prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
