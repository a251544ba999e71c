// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clinical_scribe"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
	SessionStops    *prometheus.CounterVec

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter

	// Audio metrics
	AudioChunksSent    prometheus.Counter
	AudioBytesSent     prometheus.Counter
	AudioChunksDropped prometheus.Counter

	// Streaming channel metrics
	STTReconnects *prometheus.CounterVec
	STTErrors     *prometheus.CounterVec

	// Persistence metrics
	AutosaveTotal   *prometheus.CounterVec
	PromotionsTotal prometheus.Counter

	StatusTransitions *prometheus.CounterVec

	// Job queue metrics
	JobsEnqueued *prometheus.CounterVec
	JobsInFlight prometheus.Gauge
	JobOutcomes  *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	EntitlementDenials *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	RPCTotal    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of recording sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active recording sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of recording sessions in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		SessionStops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_stops_total",
			Help:      "Total number of sessions stopped, by reason",
		}, []string{"reason"}),

		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of interim transcripts received",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}),

		AudioChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_sent_total",
			Help:      "Total audio chunks delivered to the transcription channel",
		}),
		AudioBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total audio bytes delivered to the transcription channel",
		}),
		AudioChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Audio chunks dropped because the reconnect buffer was full",
		}),

		STTReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_reconnects_total",
			Help:      "Reconnection attempts on the transcription channel, by outcome",
		}, []string{"outcome"}),
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of transcription channel errors",
		}, []string{"provider", "error_type"}),

		AutosaveTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosave_total",
			Help:      "Debounced draft saves, by result",
		}, []string{"result"}),
		PromotionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorded_promotions_total",
			Help:      "Transcriptions promoted to recorded by direct text entry",
		}),

		StatusTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Status timeline events appended, by target status",
		}, []string{"status"}),

		JobsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs admitted to the queue",
		}, []string{"type"}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being executed by workers",
		}),
		JobOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Job executions, by type and outcome",
		}, []string{"type", "outcome"}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"type"}),

		EntitlementDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_denials_total",
			Help:      "Generation requests rejected by entitlement checks",
		}, []string{"reason"}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		RPCTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC calls served, by method and code",
		}, []string{"method", "code"}),
		RPCDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC call duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),
	}
}

// RecordSessionStart records a new recording session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session stopping.
func (m *Metrics) RecordSessionEnd(reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionStops.WithLabelValues(reason).Inc()
}

// RecordPartialTranscript records an interim transcript received.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a final transcript received.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordAudioSent records a chunk delivered to the channel.
func (m *Metrics) RecordAudioSent(bytes int) {
	m.AudioChunksSent.Inc()
	m.AudioBytesSent.Add(float64(bytes))
}

// RecordAudioDropped records a chunk evicted from the reconnect buffer.
func (m *Metrics) RecordAudioDropped() {
	m.AudioChunksDropped.Inc()
}

// RecordReconnect records a reconnection attempt outcome.
func (m *Metrics) RecordReconnect(outcome string) {
	m.STTReconnects.WithLabelValues(outcome).Inc()
}

// RecordSTTError records a transcription channel error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordAutosave records a draft save attempt.
func (m *Metrics) RecordAutosave(err error) {
	if err != nil {
		m.AutosaveTotal.WithLabelValues("error").Inc()
		return
	}
	m.AutosaveTotal.WithLabelValues("ok").Inc()
}

// RecordPromotion records a not_recorded -> recorded promotion.
func (m *Metrics) RecordPromotion() {
	m.PromotionsTotal.Inc()
}

// RecordStatusTransition records an appended status event.
func (m *Metrics) RecordStatusTransition(status string) {
	m.StatusTransitions.WithLabelValues(status).Inc()
}

// RecordJobEnqueued records a job admitted to the queue.
func (m *Metrics) RecordJobEnqueued(jobType string) {
	m.JobsEnqueued.WithLabelValues(jobType).Inc()
}

// RecordJobClaimed records a worker starting a job.
func (m *Metrics) RecordJobClaimed() {
	m.JobsInFlight.Inc()
}

// RecordJobExpired records an abandoned claim settled by the reclaimer. The
// claim may belong to another process, so the in-flight gauge is untouched.
func (m *Metrics) RecordJobExpired(jobType string) {
	m.JobOutcomes.WithLabelValues(jobType, "expired").Inc()
}

// RecordJobOutcome records a job execution ending as completed, retry,
// released or failed.
func (m *Metrics) RecordJobOutcome(jobType, outcome string, durationSeconds float64) {
	m.JobsInFlight.Dec()
	m.JobOutcomes.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(durationSeconds)
}

// RecordEntitlementDenial records a rejected generation request.
func (m *Metrics) RecordEntitlementDenial(reason string) {
	m.EntitlementDenials.WithLabelValues(reason).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordRPC records a served gRPC call.
func (m *Metrics) RecordRPC(method, code string, durationSeconds float64) {
	m.RPCTotal.WithLabelValues(method, code).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(durationSeconds)
}
