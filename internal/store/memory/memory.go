// Package memory is an in-process implementation of store.Store.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/store"
)

type jobEntry struct {
	job models.Job
	seq uint64
}

// Store keeps everything in maps guarded by a single mutex.
type Store struct {
	mu             sync.Mutex
	transcriptions map[string]*models.Transcription
	byEncounter    map[string]string
	timeline       map[string][]models.StatusEvent
	jobs           map[string]*jobEntry
	notes          map[string]*models.Note
	seq            uint64
	now            func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		transcriptions: make(map[string]*models.Transcription),
		byEncounter:    make(map[string]string),
		timeline:       make(map[string][]models.StatusEvent),
		jobs:           make(map[string]*jobEntry),
		notes:          make(map[string]*models.Note),
		now:            time.Now,
	}
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) GetOrCreateTranscription(_ context.Context, organizationID, encounterID string) (*models.Transcription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEncounter[encounterID]; ok {
		t := *s.transcriptions[id]
		return &t, nil
	}
	now := s.now().UTC()
	t := &models.Transcription{
		ID:             uuid.NewString(),
		EncounterID:    encounterID,
		OrganizationID: organizationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.transcriptions[t.ID] = t
	s.byEncounter[encounterID] = t.ID
	out := *t
	return &out, nil
}

func (s *Store) GetTranscription(_ context.Context, id string) (*models.Transcription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *Store) SaveDraft(_ context.Context, id string, draft models.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcriptions[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Transcript = draft.Transcript
	t.ProviderNotes = draft.ProviderNotes
	t.DurationSeconds = draft.DurationSeconds
	if draft.TemplateID != "" {
		t.TemplateID = draft.TemplateID
	}
	t.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) AppendStatus(_ context.Context, ev models.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(ev)
	return nil
}

func (s *Store) AppendStatusIf(_ context.Context, expected models.Status, ev models.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentLocked(ev.TranscriptionID) != expected {
		return store.ErrStatusConflict
	}
	s.appendLocked(ev)
	return nil
}

func (s *Store) appendLocked(ev models.StatusEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	s.timeline[ev.TranscriptionID] = append(s.timeline[ev.TranscriptionID], ev)
}

func (s *Store) currentLocked(transcriptionID string) models.Status {
	events := s.timeline[transcriptionID]
	if len(events) == 0 {
		return models.StatusNotRecorded
	}
	return events[len(events)-1].Status
}

func (s *Store) LatestStatus(_ context.Context, transcriptionID string) (models.StatusEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.timeline[transcriptionID]
	if len(events) == 0 {
		return models.StatusEvent{}, false, nil
	}
	return events[len(events)-1], true, nil
}

func (s *Store) ListStatus(_ context.Context, transcriptionID string) ([]models.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StatusEvent(nil), s.timeline[transcriptionID]...), nil
}

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createJobLocked(job)
	return nil
}

func (s *Store) CreateJobWithinQuota(_ context.Context, job *models.Job, q store.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if used := s.countJobsLocked(job.OrganizationID, q.Types, q.Since); used >= q.Limit {
		return &store.QuotaError{Used: used, Limit: q.Limit}
	}
	s.createJobLocked(job)
	return nil
}

func (s *Store) createJobLocked(job *models.Job) {
	now := s.now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = job.CreatedAt
	}
	job.UpdatedAt = now
	s.seq++
	s.jobs[job.ID] = &jobEntry{job: *job, seq: s.seq}
}

func (s *Store) ClaimNextJob(_ context.Context, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *jobEntry
	for _, e := range s.jobs {
		if !e.job.Eligible(now) {
			continue
		}
		if best == nil || claimsBefore(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, store.ErrNoJob
	}
	started := now.UTC()
	best.job.Status = models.JobProcessing
	best.job.StartedAt = &started
	best.job.Attempts++
	best.job.UpdatedAt = started
	out := best.job
	return &out, nil
}

func claimsBefore(a, b *jobEntry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.ScheduledFor.Equal(b.job.ScheduledFor) {
		return a.job.ScheduledFor.Before(b.job.ScheduledFor)
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *Store) processingLocked(id string) (*jobEntry, error) {
	e, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if e.job.Status != models.JobProcessing {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) CompleteJob(_ context.Context, id string, result json.RawMessage, took time.Duration, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	done := at.UTC()
	e.job.Status = models.JobCompleted
	e.job.Result = append(json.RawMessage(nil), result...)
	e.job.ProcessingTime = took
	e.job.CompletedAt = &done
	e.job.NextRetryAt = nil
	e.job.UpdatedAt = done
	return nil
}

func (s *Store) RetryJob(_ context.Context, id, lastErr string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	next := nextRetryAt.UTC()
	e.job.Status = models.JobPending
	e.job.LastError = lastErr
	e.job.NextRetryAt = &next
	e.job.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) FailJob(_ context.Context, id, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	done := at.UTC()
	e.job.Status = models.JobFailed
	e.job.LastError = lastErr
	e.job.CompletedAt = &done
	e.job.NextRetryAt = nil
	e.job.UpdatedAt = done
	return nil
}

func (s *Store) ReleaseJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	e.job.Status = models.JobPending
	if e.job.Attempts > 0 {
		e.job.Attempts--
	}
	e.job.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) StaleJobs(_ context.Context, startedBefore time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, e := range s.jobs {
		if e.job.Status == models.JobProcessing && e.job.StartedAt != nil && e.job.StartedAt.Before(startedBefore) {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ExpireJob(_ context.Context, id string, startedAt time.Time, lastErr string, nextRetryAt *time.Time, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	if e.job.StartedAt == nil || !e.job.StartedAt.Equal(startedAt) {
		return store.ErrNotFound
	}
	e.job.LastError = lastErr
	e.job.UpdatedAt = at.UTC()
	if nextRetryAt == nil {
		done := at.UTC()
		e.job.Status = models.JobFailed
		e.job.CompletedAt = &done
		e.job.NextRetryAt = nil
		return nil
	}
	next := nextRetryAt.UTC()
	e.job.Status = models.JobPending
	e.job.NextRetryAt = &next
	return nil
}

func (s *Store) CancelJob(_ context.Context, id string, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if e.job.Status != models.JobPending {
		return nil, store.ErrNotCancellable
	}
	done := at.UTC()
	e.job.Status = models.JobCancelled
	e.job.CompletedAt = &done
	e.job.NextRetryAt = nil
	e.job.UpdatedAt = done
	out := e.job
	return &out, nil
}

func (s *Store) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := e.job
	return &out, nil
}

// sortedLocked returns jobs newest first.
func (s *Store) sortedLocked(match func(*models.Job) bool) []models.Job {
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		if match(&e.job) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	out := make([]models.Job, len(entries))
	for i, e := range entries {
		out[i] = e.job
	}
	return out
}

func (s *Store) ListJobs(_ context.Context, f models.JobFilter) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedLocked(func(j *models.Job) bool {
		return (f.OrganizationID == "" || j.OrganizationID == f.OrganizationID) &&
			(f.Status == "" || j.Status == f.Status) &&
			(f.Type == "" || j.Type == f.Type)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountJobs(_ context.Context, organizationID string) (models.JobCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c models.JobCounts
	for _, e := range s.jobs {
		if organizationID != "" && e.job.OrganizationID != organizationID {
			continue
		}
		switch e.job.Status {
		case models.JobPending:
			c.Pending++
		case models.JobProcessing:
			c.Processing++
		case models.JobCompleted:
			c.Completed++
		case models.JobFailed:
			c.Failed++
		case models.JobCancelled:
			c.Cancelled++
		}
	}
	return c, nil
}

func (s *Store) RecentFailures(_ context.Context, organizationID string, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedLocked(func(j *models.Job) bool {
		return j.Status == models.JobFailed && (organizationID == "" || j.OrganizationID == organizationID)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return completedAt(out[i]).After(completedAt(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func completedAt(j models.Job) time.Time {
	if j.CompletedAt == nil {
		return j.UpdatedAt
	}
	return *j.CompletedAt
}

func (s *Store) CountJobsSince(_ context.Context, organizationID string, types []models.JobType, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countJobsLocked(organizationID, types, since), nil
}

func (s *Store) countJobsLocked(organizationID string, types []models.JobType, since time.Time) int {
	n := 0
	for _, e := range s.jobs {
		j := e.job
		if j.OrganizationID != organizationID || j.Status == models.JobCancelled || j.CreatedAt.Before(since) {
			continue
		}
		for _, t := range types {
			if j.Type == t {
				n++
				break
			}
		}
	}
	return n
}

func (s *Store) SaveNote(_ context.Context, note *models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.now().UTC()
	}
	n := *note
	s.notes[n.ID] = &n
	return nil
}

func (s *Store) GetNote(_ context.Context, id string) (*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *n
	return &out, nil
}
