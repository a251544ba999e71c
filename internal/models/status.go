package models

import "time"

// Status is a point on a transcription's lifecycle.
type Status string

const (
	StatusNotRecorded Status = "not_recorded"
	StatusRecording   Status = "recording"
	StatusRecorded    Status = "recorded"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusPushedToEMR Status = "pushed_to_emr"
	StatusSigned      Status = "signed"
)

var allStatuses = []Status{
	StatusNotRecorded, StatusRecording, StatusRecorded, StatusProcessing,
	StatusCompleted, StatusFailed, StatusPushedToEMR, StatusSigned,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Reasons attached to status events that are informational rather than errors.
const (
	ReasonUserStopped    = "user_stopped"
	ReasonSilenceTimeout = "silence_timeout"
	ReasonManualEntry    = "manual_entry"
	ReasonTransportError = "transport_error"
	ReasonDeviceError    = "device_error"
)

// StatusEvent is one entry of the append-only status timeline.
type StatusEvent struct {
	ID              string    `json:"id"`
	TranscriptionID string    `json:"transcriptionId"`
	Status          Status    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	TranscriptRef   string    `json:"transcriptRef,omitempty"`
	NoteID          string    `json:"noteId,omitempty"`
	Error           string    `json:"error,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}
