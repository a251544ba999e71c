// Package notes generates clinical notes from finished transcripts. It is the
// job handler for generate_note and regenerate_note.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/service/jobs"
	"clinical-scribe-service/internal/service/status"
	"clinical-scribe-service/internal/store"
)

// Request is the input to a Generator.
type Request struct {
	Transcript    string
	ProviderNotes string
	TemplateID    string
}

// Generator turns a transcript into note content.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Handler executes note jobs and drives the transcription to its terminal
// status once the job's outcome is final.
type Handler struct {
	transcriptions store.TranscriptionStore
	notes          store.NoteStore
	machine        *status.Machine
	generator      Generator
}

var (
	_ jobs.Handler  = (*Handler)(nil)
	_ jobs.Finisher = (*Handler)(nil)
)

// NewHandler creates a note job handler.
func NewHandler(ts store.TranscriptionStore, ns store.NoteStore, machine *status.Machine, gen Generator) *Handler {
	return &Handler{transcriptions: ts, notes: ns, machine: machine, generator: gen}
}

// Handle generates and stores one note.
func (h *Handler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var p models.NotePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.TranscriptionID == "" {
		return nil, jobs.Permanent(fmt.Errorf("invalid note payload: %s", job.Payload))
	}

	t, err := h.transcriptions.GetTranscription(ctx, p.TranscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, jobs.Permanent(fmt.Errorf("transcription %s not found", p.TranscriptionID))
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.Transcript) == "" {
		return nil, jobs.Permanent(errors.New("transcript is empty"))
	}

	content, err := h.generator.Generate(ctx, Request{
		Transcript:    t.Transcript,
		ProviderNotes: t.ProviderNotes,
		TemplateID:    p.TemplateID,
	})
	if err != nil {
		return nil, fmt.Errorf("generate note: %w", err)
	}

	note := &models.Note{
		TranscriptionID: t.ID,
		TemplateID:      p.TemplateID,
		JobID:           job.ID,
		Content:         content,
	}
	if err := h.notes.SaveNote(ctx, note); err != nil {
		return nil, fmt.Errorf("save note: %w", err)
	}
	return json.Marshal(models.NoteResult{NoteID: note.ID})
}

// Finish moves the transcription from processing to completed or failed.
func (h *Handler) Finish(ctx context.Context, job *models.Job, result json.RawMessage, jobErr error) {
	var p models.NotePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.TranscriptionID == "" {
		return
	}

	ev := models.StatusEvent{
		TranscriptionID: p.TranscriptionID,
		Status:          models.StatusCompleted,
		TranscriptRef:   p.TranscriptionID,
	}
	if jobErr != nil {
		ev.Status = models.StatusFailed
		ev.Error = jobErr.Error()
	} else {
		var r models.NoteResult
		_ = json.Unmarshal(result, &r)
		ev.NoteID = r.NoteID
	}

	if _, err := h.machine.TransitionFrom(ctx, models.StatusProcessing, ev); err != nil {
		log.Warn().
			Err(err).
			Str("jobId", job.ID).
			Str("transcriptionId", p.TranscriptionID).
			Msg("Could not record generation outcome on status timeline")
	}
}
