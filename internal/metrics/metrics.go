// Package metrics holds the Prometheus instruments for the engine's
// pipeline. Registered once via promauto; exposed on /metrics by the HTTP
// layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the checking pipeline.
type Metrics struct {
	// Consumer metrics
	MessagesConsumed   *prometheus.CounterVec
	MessagesAcked      *prometheus.CounterVec
	MessagesRequeued   *prometheus.CounterVec
	MessagesDeadLetter *prometheus.CounterVec
	InFlight           *prometheus.GaugeVec

	// Pipeline metrics
	ExecutionsIngested  *prometheus.CounterVec
	DetectionsPlanned   *prometheus.CounterVec
	TasksDispatched     *prometheus.CounterVec
	ResultsRecorded     *prometheus.CounterVec
	DetectionTransition *prometheus.CounterVec

	// Worker metrics
	DetectorDuration *prometheus.HistogramVec
	DetectorRetries  *prometheus.CounterVec
	TaskLatency      *prometheus.HistogramVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		MessagesConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_messages_consumed_total",
				Help: "Messages delivered to a consumer, before processing",
			},
			[]string{"queue"},
		),
		MessagesAcked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_messages_acked_total",
				Help: "Messages acknowledged after successful processing",
			},
			[]string{"queue"},
		),
		MessagesRequeued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_messages_requeued_total",
				Help: "Messages negatively acknowledged with requeue (transient failures)",
			},
			[]string{"queue"},
		),
		MessagesDeadLetter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_messages_deadlettered_total",
				Help: "Messages routed to the dead-letter exchange",
			},
			[]string{"queue", "reason"}, // reason: malformed, poison, unknown_correlation
		),
		InFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "checking_messages_in_flight",
				Help: "Deliveries currently being processed per queue",
			},
			[]string{"queue"},
		),
		ExecutionsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_executions_ingested_total",
				Help: "Execution records persisted, by dedup outcome",
			},
			[]string{"outcome"}, // outcome: created, duplicate
		),
		DetectionsPlanned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_detections_planned_total",
				Help: "Detection executions derived from execution records",
			},
			[]string{"detection_type"},
		),
		TasksDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_tasks_dispatched_total",
				Help: "Task envelopes published to worker queues",
			},
			[]string{"routing_key"},
		),
		ResultsRecorded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_results_recorded_total",
				Help: "Detection result rows appended, by response outcome",
			},
			[]string{"outcome"},
		),
		DetectionTransition: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_detection_transitions_total",
				Help: "Detection execution status transitions, including CAS no-ops",
			},
			[]string{"to", "result"}, // result: applied, conflict
		),
		DetectorDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "checking_detector_duration_seconds",
				Help:    "Duration of individual detector calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"detection_type", "platform"},
		),
		DetectorRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checking_detector_retries_total",
				Help: "Transient detector failures that triggered an in-process retry",
			},
			[]string{"detection_type", "platform"},
		),
		TaskLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "checking_task_latency_seconds",
				Help:    "Time from task enqueue to response publish",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"detection_type"},
		),
	}
}

// ObserveTaskLatency records end-to-end latency for one finished task.
func (m *Metrics) ObserveTaskLatency(detectionType string, enqueuedAt time.Time) {
	if enqueuedAt.IsZero() {
		return
	}
	m.TaskLatency.WithLabelValues(detectionType).Observe(time.Since(enqueuedAt).Seconds())
}
