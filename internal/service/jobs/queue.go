// Package jobs is the asynchronous note generation queue: admission, dispatch,
// retry with backoff and cancellation.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/observability/metrics"
	"clinical-scribe-service/internal/service/entitlement"
	"clinical-scribe-service/internal/service/status"
	"clinical-scribe-service/internal/store"
)

var (
	ErrNotCancellable        = store.ErrNotCancellable
	ErrTranscriptionNotFound = errors.New("transcription not found")
	ErrEmptyTranscript       = errors.New("transcript is empty")
	ErrInvalidJobType        = errors.New("invalid job type")
)

// Admitter rejects generation requests the organization is not entitled to.
// A non-nil quota is enforced again when the job row is written.
type Admitter interface {
	Admit(ctx context.Context, organizationID string) (*store.Quota, error)
}

// Config holds queue defaults.
type Config struct {
	MaxAttempts        int
	GeneratePriority   int
	RegeneratePriority int
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		GeneratePriority:   0,
		RegeneratePriority: 5,
	}
}

// EnqueueRequest describes a job to admit.
type EnqueueRequest struct {
	OrganizationID string
	Type           models.JobType
	Payload        any
	Priority       int
	ScheduledFor   time.Time
	MaxAttempts    int
	// Quota, when set, makes creation fail with a quota denial once the
	// organization has used it up.
	Quota *store.Quota
}

// GenerateRequest is the body of generate and regenerate calls.
type GenerateRequest struct {
	TranscriptionID string `json:"transcription_id"`
	TemplateID      string `json:"template_id"`
}

// Queue admits and administers jobs. Execution lives in Worker.
type Queue struct {
	jobs           store.JobStore
	transcriptions store.TranscriptionStore
	machine        *status.Machine
	admitter       Admitter
	cfg            Config
	publisher      JobPublisher
	metrics        *metrics.Metrics
	now            func() time.Time
}

// NewQueue creates a queue. admitter may be nil to admit everything.
func NewQueue(js store.JobStore, ts store.TranscriptionStore, machine *status.Machine, admitter Admitter, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Queue{
		jobs:           js,
		transcriptions: ts,
		machine:        machine,
		admitter:       admitter,
		cfg:            cfg,
		metrics:        metrics.DefaultMetrics,
		now:            time.Now,
	}
}

// SetPublisher sends job lifecycle events to p.
func (q *Queue) SetPublisher(p JobPublisher) {
	q.publisher = p
}

// Enqueue admits a job as pending.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error) {
	if req.Type == "" {
		return nil, ErrInvalidJobType
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	now := q.now().UTC()
	scheduled := req.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}

	job := &models.Job{
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		Payload:        payload,
		Status:         models.JobPending,
		Priority:       req.Priority,
		MaxAttempts:    maxAttempts,
		ScheduledFor:   scheduled,
		CreatedAt:      now,
	}
	if req.Quota != nil {
		err = q.jobs.CreateJobWithinQuota(ctx, job, *req.Quota)
	} else {
		err = q.jobs.CreateJob(ctx, job)
	}
	var qe *store.QuotaError
	if errors.As(err, &qe) {
		q.metrics.RecordEntitlementDenial(string(entitlement.ReasonQuotaExceeded))
		return nil, entitlement.QuotaExceeded(qe.Used, qe.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	q.metrics.RecordJobEnqueued(string(job.Type))
	log.Info().
		Str("jobId", job.ID).
		Str("jobType", string(job.Type)).
		Int("priority", job.Priority).
		Msg("Job enqueued")
	publishJob(ctx, q.publisher, EventJobEnqueued, job)
	return job, nil
}

// RequestGeneration admits a note generation for a recorded transcription.
// The transcription moves to processing before the job exists, so a second
// request while one is in flight fails with status.ErrGenerationInFlight.
func (q *Queue) RequestGeneration(ctx context.Context, organizationID string, req GenerateRequest, regenerate bool) (*models.Job, error) {
	t, err := q.transcriptions.GetTranscription(ctx, req.TranscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTranscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Transcript == "" {
		return nil, ErrEmptyTranscript
	}
	var quota *store.Quota
	if q.admitter != nil {
		if quota, err = q.admitter.Admit(ctx, organizationID); err != nil {
			return nil, err
		}
	}

	jobType, priority := models.JobGenerateNote, q.cfg.GeneratePriority
	if regenerate {
		jobType, priority = models.JobRegenerateNote, q.cfg.RegeneratePriority
	}
	templateID := req.TemplateID
	if templateID == "" {
		templateID = t.TemplateID
	}

	if _, err := q.machine.Transition(ctx, models.StatusEvent{
		TranscriptionID: t.ID,
		Status:          models.StatusProcessing,
		TranscriptRef:   t.ID,
	}); err != nil {
		return nil, err
	}

	job, err := q.Enqueue(ctx, EnqueueRequest{
		OrganizationID: organizationID,
		Type:           jobType,
		Payload:        models.NotePayload{TranscriptionID: t.ID, TemplateID: templateID},
		Priority:       priority,
		Quota:          quota,
	})
	if err != nil {
		// Losing the quota race after the transition fails the attempt with
		// the denial, which leaves regeneration open.
		msg := "enqueue failed: " + err.Error()
		var denial *entitlement.DenialError
		if errors.As(err, &denial) {
			msg = denial.Message
		}
		q.failTranscription(ctx, t.ID, msg)
		return nil, err
	}
	return job, nil
}

// Cancel cancels a pending job. A cancelled note job fails its transcription
// so a new generation can be requested.
func (q *Queue) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := q.jobs.CancelJob(ctx, jobID, q.now())
	if err != nil {
		return nil, err
	}
	log.Info().Str("jobId", job.ID).Msg("Job cancelled")
	publishJob(ctx, q.publisher, EventJobCancelled, job)

	if isNoteJob(job.Type) {
		var p models.NotePayload
		if err := json.Unmarshal(job.Payload, &p); err == nil && p.TranscriptionID != "" {
			q.failTranscription(ctx, p.TranscriptionID, "generation cancelled")
		}
	}
	return job, nil
}

func (q *Queue) failTranscription(ctx context.Context, transcriptionID, msg string) {
	_, err := q.machine.TransitionFrom(ctx, models.StatusProcessing, models.StatusEvent{
		TranscriptionID: transcriptionID,
		Status:          models.StatusFailed,
		Error:           msg,
	})
	if err != nil {
		log.Warn().Err(err).Str("transcriptionId", transcriptionID).Msg("Failed to mark transcription failed")
	}
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return q.jobs.GetJob(ctx, jobID)
}

// List returns jobs matching f, newest first.
func (q *Queue) List(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	return q.jobs.ListJobs(ctx, f)
}

// Stats returns aggregate counts and the most recent failures.
func (q *Queue) Stats(ctx context.Context, organizationID string, failures int) (models.JobStats, error) {
	counts, err := q.jobs.CountJobs(ctx, organizationID)
	if err != nil {
		return models.JobStats{}, err
	}
	recent, err := q.jobs.RecentFailures(ctx, organizationID, failures)
	if err != nil {
		return models.JobStats{}, err
	}
	if recent == nil {
		recent = []models.Job{}
	}
	return models.JobStats{Counts: counts, RecentFailures: recent}, nil
}

func isNoteJob(t models.JobType) bool {
	return t == models.JobGenerateNote || t == models.JobRegenerateNote
}
