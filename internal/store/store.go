// Package store defines the persistence ports used by the session, the status
// machine and the job queue.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinical-scribe-service/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStatusConflict is returned by AppendStatusIf when the latest status
	// is not the expected one.
	ErrStatusConflict = errors.New("store: status changed concurrently")
	// ErrNoJob is returned by ClaimNextJob when nothing is eligible.
	ErrNoJob = errors.New("store: no eligible job")
	// ErrNotCancellable is returned when cancelling a job that is not pending.
	ErrNotCancellable = errors.New("store: job is not pending")
)

// Quota bounds how many jobs of Types an organization may create since Since.
// Cancelled jobs do not count.
type Quota struct {
	Types []models.JobType
	Since time.Time
	Limit int
}

// QuotaError is returned by CreateJobWithinQuota when the quota is used up.
type QuotaError struct {
	Used  int
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("store: job quota used (%d/%d)", e.Used, e.Limit)
}

// TranscriptionStore persists transcription records and their drafts.
type TranscriptionStore interface {
	GetOrCreateTranscription(ctx context.Context, organizationID, encounterID string) (*models.Transcription, error)
	GetTranscription(ctx context.Context, id string) (*models.Transcription, error)
	SaveDraft(ctx context.Context, id string, draft models.Draft) error
}

// StatusStore is the append-only status timeline.
type StatusStore interface {
	AppendStatus(ctx context.Context, ev models.StatusEvent) error
	// AppendStatusIf appends ev only when the latest status equals expected.
	// A transcription with no events is treated as not_recorded.
	AppendStatusIf(ctx context.Context, expected models.Status, ev models.StatusEvent) error
	LatestStatus(ctx context.Context, transcriptionID string) (models.StatusEvent, bool, error)
	ListStatus(ctx context.Context, transcriptionID string) ([]models.StatusEvent, error)
}

// JobStore holds the note job queue.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	// CreateJobWithinQuota counts the organization's usage and creates job
	// atomically, returning *QuotaError when the quota is used up.
	CreateJobWithinQuota(ctx context.Context, job *models.Job, q Quota) error
	// ClaimNextJob atomically moves the highest priority eligible job to
	// processing, stamps started_at and increments attempts.
	ClaimNextJob(ctx context.Context, now time.Time) (*models.Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage, took time.Duration, at time.Time) error
	RetryJob(ctx context.Context, id, lastErr string, nextRetryAt time.Time) error
	FailJob(ctx context.Context, id, lastErr string, at time.Time) error
	// ReleaseJob returns a processing job to pending and gives back the
	// attempt its claim consumed.
	ReleaseJob(ctx context.Context, id string) error
	// StaleJobs lists processing jobs claimed before startedBefore, oldest first.
	StaleJobs(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error)
	// ExpireJob settles an abandoned claim. It matches only the claim stamped
	// startedAt, so a job reclaimed meanwhile is left alone (ErrNotFound). A
	// nil nextRetryAt fails the job; otherwise it returns to pending.
	ExpireJob(ctx context.Context, id string, startedAt time.Time, lastErr string, nextRetryAt *time.Time, at time.Time) error
	CancelJob(ctx context.Context, id string, at time.Time) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
	CountJobs(ctx context.Context, organizationID string) (models.JobCounts, error)
	RecentFailures(ctx context.Context, organizationID string, limit int) ([]models.Job, error)
	// CountJobsSince counts jobs of the given types created at or after since,
	// excluding cancelled ones.
	CountJobsSince(ctx context.Context, organizationID string, types []models.JobType, since time.Time) (int, error)
}

// NoteStore persists generated notes.
type NoteStore interface {
	SaveNote(ctx context.Context, note *models.Note) error
	GetNote(ctx context.Context, id string) (*models.Note, error)
}

// Store is the full persistence surface.
type Store interface {
	TranscriptionStore
	StatusStore
	JobStore
	NoteStore
	Close()
}
