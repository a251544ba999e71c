// Package events publishes status, job and transcript events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/observability/metrics"
)

// Publisher publishes events to one Kafka topic per stream. With Kafka
// disabled it only logs.
type Publisher struct {
	writers         map[string]*kafka.Writer
	principal       string
	topicStatus     string
	topicJobs       string
	topicTranscript string
	enabled         bool
	metrics         *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicStatus     string
	TopicJobs       string
	TopicTranscript string
	Principal       string
	Enabled         bool
}

// StatusEvent is the wire form of a status transition.
type StatusEvent struct {
	EventType string `json:"eventType"`
	models.StatusEvent
}

// JobEvent is the wire form of a job lifecycle change.
type JobEvent struct {
	EventType      string           `json:"eventType"`
	JobID          string           `json:"jobId"`
	OrganizationID string           `json:"organizationId,omitempty"`
	JobType        models.JobType   `json:"jobType"`
	Status         models.JobStatus `json:"status"`
	Attempts       int              `json:"attempts"`
	MaxAttempts    int              `json:"maxAttempts"`
	LastError      string           `json:"lastError,omitempty"`
	Timestamp      int64            `json:"timestamp"`
}

// New creates a publisher. A nil config, Enabled=false or an empty broker
// list selects log-only mode.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}

	p := &Publisher{
		principal:       cfg.Principal,
		topicStatus:     cfg.TopicStatus,
		topicJobs:       cfg.TopicJobs,
		topicTranscript: cfg.TopicTranscript,
		metrics:         m,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writers = make(map[string]*kafka.Writer)
	for _, topic := range []string{cfg.TopicStatus, cfg.TopicJobs, cfg.TopicTranscript} {
		if topic == "" {
			continue
		}
		p.writers[topic] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicStatus", cfg.TopicStatus).
		Str("topicJobs", cfg.TopicJobs).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

// PublishStatus publishes a status transition keyed by transcription id.
func (p *Publisher) PublishStatus(ctx context.Context, key string, ev models.StatusEvent) error {
	return p.publish(ctx, p.topicStatus, "transcription.status."+string(ev.Status), key, StatusEvent{
		EventType:   "transcription.status",
		StatusEvent: ev,
	})
}

// PublishJob publishes a job lifecycle event keyed by job id.
func (p *Publisher) PublishJob(ctx context.Context, eventType string, job *models.Job) error {
	return p.publish(ctx, p.topicJobs, eventType, job.ID, JobEvent{
		EventType:      eventType,
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		JobType:        job.Type,
		Status:         job.Status,
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		LastError:      job.LastError,
		Timestamp:      time.Now().UnixMilli(),
	})
}

// PublishTranscriptFinal publishes a finalized transcript fragment keyed by
// transcription id, so fragments of one transcription stay ordered.
func (p *Publisher) PublishTranscriptFinal(ctx context.Context, ev models.TranscriptFinal) error {
	return p.publish(ctx, p.topicTranscript, ev.EventType, ev.TranscriptionID, ev)
}

func (p *Publisher) publish(ctx context.Context, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	writer := p.writers[topic]
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes every writer.
func (p *Publisher) Close() error {
	var err error
	for topic, w := range p.writers {
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("topic", topic).Msg("Error closing writer")
			err = e
		}
	}
	return err
}
