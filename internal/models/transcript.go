// Package models defines the data structures shared by the session, the status
// timeline and the note job queue.
package models

import "time"

// Transcription is the per-encounter transcript record. It is created lazily and
// never deleted.
type Transcription struct {
	ID              string    `json:"id"`
	EncounterID     string    `json:"encounterId"`
	OrganizationID  string    `json:"organizationId,omitempty"`
	Transcript      string    `json:"transcript"`
	ProviderNotes   string    `json:"providerNotes"`
	DurationSeconds int       `json:"durationSeconds"`
	TemplateID      string    `json:"templateId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Draft is the autosaved portion of a transcription.
type Draft struct {
	Transcript      string `json:"transcript"`
	ProviderNotes   string `json:"providerNotes"`
	DurationSeconds int    `json:"durationSeconds"`
	TemplateID      string `json:"templateId,omitempty"`
}

// TranscriptFinal is published once per finalized fragment during a session.
type TranscriptFinal struct {
	EventType       string `json:"eventType"`
	TranscriptionID string `json:"transcriptionId"`
	EncounterID     string `json:"encounterId"`
	SegmentID       string `json:"segmentId"`
	Timestamp       int64  `json:"timestamp"`
	Sequence        int    `json:"sequence"`
	Text            string `json:"text"`
}

// Note is a generated clinical note.
type Note struct {
	ID              string    `json:"id"`
	TranscriptionID string    `json:"transcriptionId"`
	TemplateID      string    `json:"templateId,omitempty"`
	JobID           string    `json:"jobId"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
}
