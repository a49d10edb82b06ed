// Package metrics provides Prometheus metrics for the codelist services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	EvaluationsTotal      *prometheus.CounterVec
	EvaluationDuration    prometheus.Histogram
	ConceptsReturned      prometheus.Histogram
	MatchesTotal          prometheus.Counter
	ClassificationsTotal  *prometheus.CounterVec
	JobsProcessed         *prometheus.CounterVec
	JobsInFlight          prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codelist_evaluations_total",
			Help: "Total codelist evaluations by outcome",
		}, []string{"outcome"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "codelist_evaluation_duration_seconds",
			Help:    "Codelist evaluation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ConceptsReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "codelist_concepts_returned",
			Help:    "Concept count per successful evaluation",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		MatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codelist_matches_total",
			Help: "Total reverse membership checks",
		}),
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codelist_classifications_total",
			Help: "Total reverse classifications by code system",
		}, []string{"system"}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codelist_jobs_processed_total",
			Help: "Total bulk evaluation jobs by status",
		}, []string{"status"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codelist_jobs_in_flight",
			Help: "Bulk evaluation jobs currently running",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending audit outbox entries",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),
	}

	prometheus.MustRegister(
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.ConceptsReturned,
		m.MatchesTotal,
		m.ClassificationsTotal,
		m.JobsProcessed,
		m.JobsInFlight,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
