package jobs

import (
	"context"

	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/models"
)

// Job lifecycle event types.
const (
	EventJobEnqueued  = "job.enqueued"
	EventJobRetry     = "job.retry_scheduled"
	EventJobReleased  = "job.released"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

// JobPublisher receives job lifecycle events. Publishing is best effort.
type JobPublisher interface {
	PublishJob(ctx context.Context, eventType string, job *models.Job) error
}

func publishJob(ctx context.Context, p JobPublisher, eventType string, job *models.Job) {
	if p == nil {
		return
	}
	if err := p.PublishJob(ctx, eventType, job); err != nil {
		log.Warn().Err(err).Str("jobId", job.ID).Str("eventType", eventType).Msg("Failed to publish job event")
	}
}
