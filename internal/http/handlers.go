package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/schema"
	"clinical-scribe-service/internal/service/entitlement"
	"clinical-scribe-service/internal/service/jobs"
	"clinical-scribe-service/internal/service/status"
	"clinical-scribe-service/internal/store"
)

const defaultRecentFailures = 10

type handlers struct {
	store     store.Store
	machine   *status.Machine
	queue     *jobs.Queue
	validator *schema.Validator
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeServiceError maps service errors to status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var denial *entitlement.DenialError
	var transition *status.TransitionError
	var field *schema.FieldError
	switch {
	case errors.As(err, &denial):
		writeError(w, http.StatusForbidden, denial.Error())
	case errors.As(err, &field):
		writeError(w, http.StatusBadRequest, field.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrTranscriptionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, status.ErrGenerationInFlight),
		errors.Is(err, jobs.ErrNotCancellable),
		errors.As(err, &transition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrEmptyTranscript):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func organization(r *http.Request) string {
	return r.Header.Get(OrganizationHeader)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := h.validator.Validate(v); err != nil {
		writeServiceError(w, r, err)
		return false
	}
	return true
}

func (h *handlers) getOrCreateTranscription(w http.ResponseWriter, r *http.Request) {
	org := organization(r)
	if org == "" {
		writeError(w, http.StatusBadRequest, "missing "+OrganizationHeader)
		return
	}
	t, err := h.store.GetOrCreateTranscription(r.Context(), org, chi.URLParam(r, "encounterID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handlers) getTranscription(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTranscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handlers) saveDraft(w http.ResponseWriter, r *http.Request) {
	var d models.Draft
	if !h.decode(w, r, &d) {
		return
	}
	if err := h.store.SaveDraft(r.Context(), chi.URLParam(r, "id"), d); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) promote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetTranscription(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	promoted, err := h.machine.PromoteRecorded(r.Context(), id, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"promoted": promoted})
}

func (h *handlers) generate(regenerate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org := organization(r)
		if org == "" {
			writeError(w, http.StatusBadRequest, "missing "+OrganizationHeader)
			return
		}
		id := chi.URLParam(r, "id")
		req := jobs.GenerateRequest{TranscriptionID: id}
		if !h.decode(w, r, &req) {
			return
		}
		if req.TranscriptionID != id {
			writeError(w, http.StatusBadRequest, "transcription_id does not match path")
			return
		}
		job, err := h.queue.RequestGeneration(r.Context(), org, req, regenerate)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
	}
}

func (h *handlers) currentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, ok, err := h.machine.Latest(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !ok {
		ev = models.StatusEvent{TranscriptionID: id, Status: models.StatusNotRecorded}
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request) {
	var req schema.StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev, err := h.machine.Transition(r.Context(), models.StatusEvent{
		TranscriptionID: chi.URLParam(r, "id"),
		Status:          req.Status,
		TranscriptRef:   req.TranscriptRef,
		NoteID:          req.NoteID,
		Error:           req.Error,
		Reason:          req.Reason,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *handlers) timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.machine.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []models.StatusEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.JobFilter{
		OrganizationID: organization(r),
		Status:         models.JobStatus(q.Get("status")),
		Type:           models.JobType(q.Get("type")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	list, err := h.queue.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) jobStats(w http.ResponseWriter, r *http.Request) {
	failures := defaultRecentFailures
	if v := r.URL.Query().Get("failures"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid failures")
			return
		}
		failures = n
	}
	stats, err := h.queue.Stats(r.Context(), organization(r), failures)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
