package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// JobType names the unit of work.
type JobType string

const (
	JobGenerateNote   JobType = "generate_note"
	JobRegenerateNote JobType = "regenerate_note"
)

// Job is one asynchronous, retryable unit of work.
type Job struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Type           JobType         `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	LastError      string          `json:"lastError,omitempty"`
	ScheduledFor   time.Time       `json:"scheduledFor"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	ProcessingTime time.Duration   `json:"processingTimeNs,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Eligible reports whether a pending job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != JobPending || j.ScheduledFor.After(now) {
		return false
	}
	return j.NextRetryAt == nil || !j.NextRetryAt.After(now)
}

// NotePayload is the payload of generate_note and regenerate_note jobs.
type NotePayload struct {
	TranscriptionID string `json:"transcription_id"`
	TemplateID      string `json:"template_id"`
}

// NoteResult is stored as the result of a completed note job.
type NoteResult struct {
	NoteID string `json:"note_id"`
}

// JobFilter narrows a job listing. Empty fields match everything.
type JobFilter struct {
	OrganizationID string
	Status         JobStatus
	Type           JobType
	Limit          int
}

// JobCounts are aggregate job counts by status.
type JobCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// JobStats is the monitor view of the queue.
type JobStats struct {
	Counts         JobCounts `json:"counts"`
	RecentFailures []Job     `json:"recentFailures"`
}
