// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is a pgxpool-backed store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to databaseURL and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to execute embedded schema.sql: %w", err)
	}
	log.Info().Msg("Postgres store ready")
	return &Store{pool: pool}, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const transcriptionCols = `id, encounter_id, organization_id, transcript, provider_notes,
	duration_seconds, template_id, created_at, updated_at`

func scanTranscription(row pgx.Row) (*models.Transcription, error) {
	var t models.Transcription
	err := row.Scan(&t.ID, &t.EncounterID, &t.OrganizationID, &t.Transcript, &t.ProviderNotes,
		&t.DurationSeconds, &t.TemplateID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetOrCreateTranscription(ctx context.Context, organizationID, encounterID string) (*models.Transcription, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcriptions (id, encounter_id, organization_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (encounter_id) DO NOTHING`,
		uuid.NewString(), encounterID, organizationID, now)
	if err != nil {
		return nil, fmt.Errorf("insert transcription: %w", err)
	}
	return scanTranscription(s.pool.QueryRow(ctx,
		`SELECT `+transcriptionCols+` FROM transcriptions WHERE encounter_id = $1`, encounterID))
}

func (s *Store) GetTranscription(ctx context.Context, id string) (*models.Transcription, error) {
	return scanTranscription(s.pool.QueryRow(ctx,
		`SELECT `+transcriptionCols+` FROM transcriptions WHERE id = $1`, id))
}

func (s *Store) SaveDraft(ctx context.Context, id string, d models.Draft) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transcriptions
		SET transcript = $2, provider_notes = $3, duration_seconds = $4,
		    template_id = CASE WHEN $5 = '' THEN template_id ELSE $5 END,
		    updated_at = now()
		WHERE id = $1`,
		id, d.Transcript, d.ProviderNotes, d.DurationSeconds, d.TemplateID)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func insertStatus(ctx context.Context, tx pgx.Tx, ev models.StatusEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transcription_status_events
		    (id, transcription_id, status, created_at, transcript_ref, note_id, error, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.TranscriptionID, string(ev.Status), ev.Timestamp,
		ev.TranscriptRef, ev.NoteID, ev.Error, ev.Reason)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

// lockTimeline serializes writers of one transcription's timeline for the
// duration of tx.
func lockTimeline(ctx context.Context, tx pgx.Tx, transcriptionID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, transcriptionID)
	return err
}

func (s *Store) AppendStatus(ctx context.Context, ev models.StatusEvent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockTimeline(ctx, tx, ev.TranscriptionID); err != nil {
			return err
		}
		return insertStatus(ctx, tx, ev)
	})
}

func (s *Store) AppendStatusIf(ctx context.Context, expected models.Status, ev models.StatusEvent) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockTimeline(ctx, tx, ev.TranscriptionID); err != nil {
			return err
		}
		current := models.StatusNotRecorded
		var latest string
		err := tx.QueryRow(ctx, `
			SELECT status FROM transcription_status_events
			WHERE transcription_id = $1 ORDER BY seq DESC LIMIT 1`,
			ev.TranscriptionID).Scan(&latest)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read latest status: %w", err)
		default:
			current = models.Status(latest)
		}
		if current != expected {
			return store.ErrStatusConflict
		}
		return insertStatus(ctx, tx, ev)
	})
}

const statusCols = `id, transcription_id, status, created_at, transcript_ref, note_id, error, reason`

func scanStatus(row pgx.Row) (models.StatusEvent, error) {
	var ev models.StatusEvent
	var st string
	err := row.Scan(&ev.ID, &ev.TranscriptionID, &st, &ev.Timestamp,
		&ev.TranscriptRef, &ev.NoteID, &ev.Error, &ev.Reason)
	ev.Status = models.Status(st)
	return ev, err
}

func (s *Store) LatestStatus(ctx context.Context, transcriptionID string) (models.StatusEvent, bool, error) {
	ev, err := scanStatus(s.pool.QueryRow(ctx, `
		SELECT `+statusCols+` FROM transcription_status_events
		WHERE transcription_id = $1 ORDER BY seq DESC LIMIT 1`, transcriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StatusEvent{}, false, nil
	}
	if err != nil {
		return models.StatusEvent{}, false, err
	}
	return ev, true, nil
}

func (s *Store) ListStatus(ctx context.Context, transcriptionID string) ([]models.StatusEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+statusCols+` FROM transcription_status_events
		WHERE transcription_id = $1 ORDER BY seq ASC`, transcriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusEvent
	for rows.Next() {
		ev, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const jobCols = `id, organization_id, type, payload, status, priority, attempts, max_attempts,
	last_error, scheduled_for, next_retry_at, started_at, completed_at, processing_time_ms,
	result, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j                models.Job
		typ, status      string
		payload, result  []byte
		processingTimeMs int64
	)
	err := row.Scan(&j.ID, &j.OrganizationID, &typ, &payload, &status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.ScheduledFor, &j.NextRetryAt,
		&j.StartedAt, &j.CompletedAt, &processingTimeMs, &result, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Type = models.JobType(typ)
	j.Status = models.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	j.ProcessingTime = time.Duration(processingTimeMs) * time.Millisecond
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	return insertJob(ctx, s.pool, job)
}

// CreateJobWithinQuota counts and inserts under a per-organization advisory
// lock, so concurrent admissions at limit-1 cannot both pass.
func (s *Store) CreateJobWithinQuota(ctx context.Context, job *models.Job, q store.Quota) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('quota:' || $1))`, job.OrganizationID); err != nil {
			return fmt.Errorf("lock quota: %w", err)
		}
		used, err := countJobsSince(ctx, tx, job.OrganizationID, q.Types, q.Since)
		if err != nil {
			return fmt.Errorf("count usage: %w", err)
		}
		if used >= q.Limit {
			return &store.QuotaError{Used: used, Limit: q.Limit}
		}
		return insertJob(ctx, tx, job)
	})
}

func insertJob(ctx context.Context, db execer, job *models.Job) error {
	now := time.Now().UTC()
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
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}
	job.UpdatedAt = now
	_, err := db.Exec(ctx, `
		INSERT INTO jobs (id, organization_id, type, payload, status, priority, attempts,
		    max_attempts, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.OrganizationID, string(job.Type), []byte(job.Payload), string(job.Status),
		job.Priority, job.Attempts, job.MaxAttempts, job.ScheduledFor, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) ClaimNextJob(ctx context.Context, now time.Time) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing', started_at = $1, attempts = attempts + 1, updated_at = $1
		WHERE id = (
		    SELECT id FROM jobs
		    WHERE status = 'pending'
		      AND scheduled_for <= $1
		      AND (next_retry_at IS NULL OR next_retry_at <= $1)
		    ORDER BY priority ASC, scheduled_for ASC, created_at ASC, seq ASC
		    FOR UPDATE SKIP LOCKED
		    LIMIT 1
		)
		RETURNING `+jobCols, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *Store) execProcessing(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage, took time.Duration, at time.Time) error {
	return s.execProcessing(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, processing_time_ms = $3, completed_at = $4,
		    next_retry_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'processing'`,
		id, []byte(result), took.Milliseconds(), at.UTC())
}

func (s *Store) RetryJob(ctx context.Context, id, lastErr string, nextRetryAt time.Time) error {
	return s.execProcessing(ctx, `
		UPDATE jobs
		SET status = 'pending', last_error = $2, next_retry_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, lastErr, nextRetryAt.UTC())
}

func (s *Store) FailJob(ctx context.Context, id, lastErr string, at time.Time) error {
	return s.execProcessing(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $2, completed_at = $3, next_retry_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, lastErr, at.UTC())
}

func (s *Store) ReleaseJob(ctx context.Context, id string) error {
	return s.execProcessing(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = GREATEST(attempts - 1, 0), updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
}

func (s *Store) StaleJobs(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`, startedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) ExpireJob(ctx context.Context, id string, startedAt time.Time, lastErr string, nextRetryAt *time.Time, at time.Time) error {
	if nextRetryAt == nil {
		return s.execProcessing(ctx, `
			UPDATE jobs
			SET status = 'failed', last_error = $3, completed_at = $4, next_retry_at = NULL, updated_at = $4
			WHERE id = $1 AND status = 'processing' AND started_at = $2`,
			id, startedAt.UTC(), lastErr, at.UTC())
	}
	return s.execProcessing(ctx, `
		UPDATE jobs
		SET status = 'pending', last_error = $3, next_retry_at = $4, updated_at = $5
		WHERE id = $1 AND status = 'processing' AND started_at = $2`,
		id, startedAt.UTC(), lastErr, nextRetryAt.UTC(), at.UTC())
}

func (s *Store) CancelJob(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = $2, next_retry_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobCols, id, at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrNotCancellable
	}
	return j, err
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return j, err
}

func (s *Store) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE ($1 = '' OR organization_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR type = $3)
		ORDER BY seq DESC
		LIMIT $4`,
		f.OrganizationID, string(f.Status), string(f.Type), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) CountJobs(ctx context.Context, organizationID string) (models.JobCounts, error) {
	var c models.JobCounts
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM jobs
		WHERE ($1 = '' OR organization_id = $1)
		GROUP BY status`, organizationID)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch models.JobStatus(status) {
		case models.JobPending:
			c.Pending = n
		case models.JobProcessing:
			c.Processing = n
		case models.JobCompleted:
			c.Completed = n
		case models.JobFailed:
			c.Failed = n
		case models.JobCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

func (s *Store) RecentFailures(ctx context.Context, organizationID string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE status = 'failed' AND ($1 = '' OR organization_id = $1)
		ORDER BY completed_at DESC NULLS LAST
		LIMIT $2`, organizationID, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) CountJobsSince(ctx context.Context, organizationID string, types []models.JobType, since time.Time) (int, error) {
	return countJobsSince(ctx, s.pool, organizationID, types, since)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countJobsSince(ctx context.Context, db queryRower, organizationID string, types []models.JobType, since time.Time) (int, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	var n int
	err := db.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE organization_id = $1 AND type = ANY($2) AND status <> 'cancelled' AND created_at >= $3`,
		organizationID, names, since.UTC()).Scan(&n)
	return n, err
}

func (s *Store) SaveNote(ctx context.Context, note *models.Note) error {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notes (id, transcription_id, template_id, job_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		note.ID, note.TranscriptionID, note.TemplateID, note.JobID, note.Content, note.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *Store) GetNote(ctx context.Context, id string) (*models.Note, error) {
	var n models.Note
	err := s.pool.QueryRow(ctx, `
		SELECT id, transcription_id, template_id, job_id, content, created_at
		FROM notes WHERE id = $1`, id).
		Scan(&n.ID, &n.TranscriptionID, &n.TemplateID, &n.JobID, &n.Content, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}
