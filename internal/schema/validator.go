// Package schema validates API request bodies before they reach the services.
package schema

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/service/jobs"
)

const (
	maxTranscriptBytes = 1 << 20
	maxNotesBytes      = 64 << 10
	maxTemplateIDBytes = 128
)

// FieldError reports the first invalid field of a request.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// StatusRequest is the body of a manual status transition.
type StatusRequest struct {
	Status        models.Status `json:"status"`
	TranscriptRef string        `json:"transcriptRef,omitempty"`
	NoteID        string        `json:"noteId,omitempty"`
	Error         string        `json:"error,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks a decoded request body. Unknown types pass.
func (v *Validator) Validate(req any) error {
	var err error
	switch r := req.(type) {
	case *models.Draft:
		err = validateDraft(r)
	case *jobs.GenerateRequest:
		err = validateGenerate(r)
	case *StatusRequest:
		err = validateStatus(r)
	}
	if err != nil {
		log.Debug().Err(err).Str("type", fmt.Sprintf("%T", req)).Msg("Request rejected")
	}
	return err
}

func validateDraft(d *models.Draft) error {
	switch {
	case len(d.Transcript) > maxTranscriptBytes:
		return &FieldError{Field: "transcript", Reason: "too large"}
	case len(d.ProviderNotes) > maxNotesBytes:
		return &FieldError{Field: "providerNotes", Reason: "too large"}
	case d.DurationSeconds < 0:
		return &FieldError{Field: "durationSeconds", Reason: "must not be negative"}
	case len(d.TemplateID) > maxTemplateIDBytes:
		return &FieldError{Field: "templateId", Reason: "too long"}
	}
	return nil
}

func validateGenerate(r *jobs.GenerateRequest) error {
	r.TranscriptionID = strings.TrimSpace(r.TranscriptionID)
	if r.TranscriptionID == "" {
		return &FieldError{Field: "transcription_id", Reason: "required"}
	}
	if len(r.TemplateID) > maxTemplateIDBytes {
		return &FieldError{Field: "template_id", Reason: "too long"}
	}
	return nil
}

func validateStatus(r *StatusRequest) error {
	if !r.Status.Valid() {
		return &FieldError{Field: "status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.Status == models.StatusFailed && r.Error == "" {
		return &FieldError{Field: "error", Reason: "required for failed"}
	}
	return nil
}
