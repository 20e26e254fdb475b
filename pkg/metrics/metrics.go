// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionDecisionsTotal tracks resolver outcomes by entity kind
	ResolutionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolution",
			Name:      "decisions_total",
			Help:      "Total number of resolution decisions by entity kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ResolutionDuration tracks resolver latency in seconds
	ResolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "resolution",
			Name:      "duration_seconds",
			Help:      "Duration of a single resolution in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"kind"},
	)

	// ResolutionRetries tracks resolutions re-run after losing a uniqueness claim
	ResolutionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolution",
			Name:      "claim_retries_total",
			Help:      "Total number of resolutions retried after losing a uniqueness claim",
		},
		[]string{"kind"},
	)

	// ColonyEstimatesTotal tracks estimate requests by cache result
	ColonyEstimatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "colony",
			Name:      "estimates_total",
			Help:      "Total number of colony estimates served, by cache hit or miss",
		},
		[]string{"cache"},
	)

	// ObservationsTotal tracks observation inserts
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "colony",
			Name:      "observations_total",
			Help:      "Total number of observation inserts by result",
		},
		[]string{"source_type", "result"},
	)

	// IntakeMessagesTotal tracks consumed intake messages
	IntakeMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "intake",
			Name:      "messages_total",
			Help:      "Total number of intake messages processed by kind and status",
		},
		[]string{"kind", "status"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)
)

// RecordResolution records a resolver decision and its duration
func RecordResolution(kind, outcome string, durationSeconds float64) {
	ResolutionDecisionsTotal.WithLabelValues(kind, outcome).Inc()
	ResolutionDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordClaimRetry records a resolution retried after a lost claim
func RecordClaimRetry(kind string) {
	ResolutionRetries.WithLabelValues(kind).Inc()
}

// RecordEstimate records a colony estimate served from or past the cache
func RecordEstimate(cache string) {
	ColonyEstimatesTotal.WithLabelValues(cache).Inc()
}

// RecordObservation records an observation insert
func RecordObservation(sourceType string, inserted bool) {
	result := "duplicate"
	if inserted {
		result = "inserted"
	}
	ObservationsTotal.WithLabelValues(sourceType, result).Inc()
}

// RecordIntake records a consumed intake message
func RecordIntake(kind, status string) {
	IntakeMessagesTotal.WithLabelValues(kind, status).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}
