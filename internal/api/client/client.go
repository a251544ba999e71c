// Package client is the Go client of the clinical scribe HTTP API. It
// implements the session's status and draft ports so a remote recorder runs
// the same Session code as an in-process one.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/service/entitlement"
)

// OrganizationHeader carries the caller's organization.
const OrganizationHeader = "X-Organization-ID"

var (
	// ErrNotFound is matched by 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrConflict is matched by 409 responses, such as a generation already
	// in flight or a job that is no longer pending.
	ErrConflict = errors.New("conflict")
)

// APIError is a non-2xx response that is not an entitlement denial.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Client talks to one service instance on behalf of one organization.
type Client struct {
	baseURL      string
	organization string
	http         *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for baseURL, e.g. http://localhost:8080.
func New(baseURL, organization string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		organization: organization,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(OrganizationHeader, c.organization)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError turns an error response into an error. Denials come back as
// *entitlement.DenialError with their category and usage parsed from the
// message.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if resp.StatusCode == http.StatusForbidden {
		if d := entitlement.Classify(msg); d != nil {
			return d
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// GetOrCreateTranscription returns the encounter's transcription, creating it
// on first use.
func (c *Client) GetOrCreateTranscription(ctx context.Context, encounterID string) (*models.Transcription, error) {
	var t models.Transcription
	if err := c.do(ctx, http.MethodPost, "/v1/encounters/"+url.PathEscape(encounterID)+"/transcription", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) GetTranscription(ctx context.Context, id string) (*models.Transcription, error) {
	var t models.Transcription
	if err := c.do(ctx, http.MethodGet, transcriptionPath(id, ""), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveDraft implements session.DraftSaver.
func (c *Client) SaveDraft(ctx context.Context, transcriptionID string, draft models.Draft) error {
	return c.do(ctx, http.MethodPut, transcriptionPath(transcriptionID, "/draft"), draft, nil)
}

// PromoteRecorded implements session.Promoter. The server ignores
// transcriptRef and uses the transcription id.
func (c *Client) PromoteRecorded(ctx context.Context, transcriptionID, _ string) (bool, error) {
	var out struct {
		Promoted bool `json:"promoted"`
	}
	if err := c.do(ctx, http.MethodPost, transcriptionPath(transcriptionID, "/promote"), nil, &out); err != nil {
		return false, err
	}
	return out.Promoted, nil
}

// Latest returns the latest status event.
func (c *Client) Latest(ctx context.Context, transcriptionID string) (models.StatusEvent, error) {
	var ev models.StatusEvent
	err := c.do(ctx, http.MethodGet, transcriptionPath(transcriptionID, "/status"), nil, &ev)
	return ev, err
}

func (c *Client) Current(ctx context.Context, transcriptionID string) (models.Status, error) {
	ev, err := c.Latest(ctx, transcriptionID)
	if err != nil {
		return "", err
	}
	return ev.Status, nil
}

// Transition appends a status event through the server's state machine.
func (c *Client) Transition(ctx context.Context, ev models.StatusEvent) (models.StatusEvent, error) {
	req := struct {
		Status        models.Status `json:"status"`
		TranscriptRef string        `json:"transcriptRef,omitempty"`
		NoteID        string        `json:"noteId,omitempty"`
		Error         string        `json:"error,omitempty"`
		Reason        string        `json:"reason,omitempty"`
	}{ev.Status, ev.TranscriptRef, ev.NoteID, ev.Error, ev.Reason}
	var out models.StatusEvent
	err := c.do(ctx, http.MethodPost, transcriptionPath(ev.TranscriptionID, "/status"), req, &out)
	return out, err
}

func (c *Client) Timeline(ctx context.Context, transcriptionID string) ([]models.StatusEvent, error) {
	var events []models.StatusEvent
	err := c.do(ctx, http.MethodGet, transcriptionPath(transcriptionID, "/timeline"), nil, &events)
	return events, err
}

// RequestGeneration queues note generation and returns the job id. A denial
// is returned as *entitlement.DenialError; a generation already in flight
// matches ErrConflict.
func (c *Client) RequestGeneration(ctx context.Context, transcriptionID, templateID string, regenerate bool) (string, error) {
	op := "/generate"
	if regenerate {
		op = "/regenerate"
	}
	req := map[string]string{"transcription_id": transcriptionID, "template_id": templateID}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, transcriptionPath(transcriptionID, op), req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob cancels a pending job. Other states match ErrConflict.
func (c *Client) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists the organization's jobs, optionally narrowed by status and type.
func (c *Client) ListJobs(ctx context.Context, status models.JobStatus, jobType models.JobType) ([]models.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if jobType != "" {
		q.Set("type", string(jobType))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list []models.Job
	err := c.do(ctx, http.MethodGet, path, nil, &list)
	return list, err
}

// SubscribeStatus streams the transcription's timeline, history first, until
// ctx is done or the server closes. The channel is closed on return.
func (c *Client) SubscribeStatus(ctx context.Context, transcriptionID string) (<-chan models.StatusEvent, error) {
	u, err := url.Parse(c.baseURL + transcriptionPath(transcriptionID, "/status/ws"))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	header.Set(OrganizationHeader, c.organization)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("subscribe status: %w", err)
	}

	out := make(chan models.StatusEvent, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer close(done)
		for {
			var ev models.StatusEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Str("transcriptionId", transcriptionID).Msg("Status subscription ended")
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func transcriptionPath(id, suffix string) string {
	return "/v1/transcriptions/" + url.PathEscape(id) + suffix
}
