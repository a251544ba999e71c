package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"clinical-scribe-service/internal/app"
	"clinical-scribe-service/internal/config"
	"clinical-scribe-service/internal/models"
)

type testServer struct {
	*httptest.Server
	app *app.Application
}

func newTestServer(t *testing.T, monthlyLimit int) *testServer {
	t.Helper()
	cfg := config.Load()
	cfg.Database.URL = ""
	cfg.Kafka.Enabled = false
	cfg.Notes.Generator = "template"
	cfg.Entitlement.Enabled = monthlyLimit > 0
	cfg.Entitlement.MonthlyLimit = monthlyLimit

	a := app.New(cfg)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := httptest.NewServer(NewRouter(a))
	t.Cleanup(func() {
		srv.Close()
		a.Shutdown()
	})
	return &testServer{Server: srv, app: a}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(OrganizationHeader, "org-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (s *testServer) transcription(t *testing.T, encounter, transcript string) models.Transcription {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/v1/encounters/"+encounter+"/transcription", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create transcription: %d %s", resp.StatusCode, body)
	}
	var tr models.Transcription
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatal(err)
	}
	if transcript != "" {
		resp, body = s.do(t, http.MethodPut, "/v1/transcriptions/"+tr.ID+"/draft", models.Draft{Transcript: transcript})
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("save draft: %d %s", resp.StatusCode, body)
		}
		resp, _ = s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/promote", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("promote: %d", resp.StatusCode)
		}
	}
	return tr
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var e map[string]string
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	return e["error"]
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, 0)
	for _, path := range []string{"/v1/liveness", "/v1/readiness"} {
		resp, _ := s.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestTranscription_GetOrCreateIsIdempotent(t *testing.T) {
	s := newTestServer(t, 0)
	a := s.transcription(t, "enc-1", "")
	b := s.transcription(t, "enc-1", "")
	if a.ID == "" || a.ID != b.ID {
		t.Fatalf("expected same transcription, got %q and %q", a.ID, b.ID)
	}

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/v1/encounters/enc-2/transcription", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without organization, got %d", resp.StatusCode)
	}
}

func TestDraftAndPromotion(t *testing.T) {
	s := newTestServer(t, 0)
	tr := s.transcription(t, "enc-1", "")

	resp, _ := s.do(t, http.MethodPut, "/v1/transcriptions/"+tr.ID+"/draft",
		models.Draft{Transcript: "typed by hand", DurationSeconds: 0})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	_, body := s.do(t, http.MethodGet, "/v1/transcriptions/"+tr.ID, nil)
	var got models.Transcription
	_ = json.Unmarshal(body, &got)
	if got.Transcript != "typed by hand" {
		t.Errorf("draft not saved: %+v", got)
	}

	for i, want := range []bool{true, false} {
		_, body := s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/promote", nil)
		var out map[string]bool
		_ = json.Unmarshal(body, &out)
		if out["promoted"] != want {
			t.Errorf("promote #%d: expected %v, got %v", i+1, want, out["promoted"])
		}
	}

	_, body = s.do(t, http.MethodGet, "/v1/transcriptions/"+tr.ID+"/status", nil)
	var ev models.StatusEvent
	_ = json.Unmarshal(body, &ev)
	if ev.Status != models.StatusRecorded || ev.Reason != models.ReasonManualEntry {
		t.Errorf("unexpected status %+v", ev)
	}
}

func TestDraft_Invalid(t *testing.T) {
	s := newTestServer(t, 0)
	tr := s.transcription(t, "enc-1", "")
	resp, body := s.do(t, http.MethodPut, "/v1/transcriptions/"+tr.ID+"/draft", models.Draft{DurationSeconds: -5})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !strings.Contains(errorMessage(t, body), "durationSeconds") {
		t.Errorf("unexpected error %s", body)
	}
	resp, _ = s.do(t, http.MethodGet, "/v1/transcriptions/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGenerate(t *testing.T) {
	s := newTestServer(t, 0)

	empty := s.transcription(t, "enc-empty", "")
	resp, _ := s.do(t, http.MethodPost, "/v1/transcriptions/"+empty.ID+"/generate", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for empty transcript, got %d", resp.StatusCode)
	}

	tr := s.transcription(t, "enc-1", "patient reports headache")
	resp, body := s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/generate",
		map[string]string{"transcription_id": tr.ID, "template_id": "soap"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", resp.StatusCode, body)
	}
	var out map[string]string
	_ = json.Unmarshal(body, &out)
	if out["job_id"] == "" {
		t.Fatalf("missing job_id in %s", body)
	}

	resp, _ = s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/generate", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 while in flight, got %d", resp.StatusCode)
	}

	resp, _ = s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/generate",
		map[string]string{"transcription_id": "other"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for mismatched id, got %d", resp.StatusCode)
	}
}

func TestGenerate_QuotaDenied(t *testing.T) {
	s := newTestServer(t, 1)
	tr := s.transcription(t, "enc-1", "patient reports headache")

	resp, _ := s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/generate", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if ran, err := s.app.Worker.RunOnce(context.Background()); err != nil || !ran {
		t.Fatalf("RunOnce: ran=%v err=%v", ran, err)
	}

	resp, body := s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/regenerate", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", resp.StatusCode, body)
	}
	if msg := errorMessage(t, body); msg != "Monthly note limit reached (1/1)" {
		t.Errorf("unexpected denial %q", msg)
	}
}

func TestJobs(t *testing.T) {
	s := newTestServer(t, 0)
	tr := s.transcription(t, "enc-1", "patient reports headache")
	_, body := s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/generate", nil)
	var out map[string]string
	_ = json.Unmarshal(body, &out)
	jobID := out["job_id"]

	_, body = s.do(t, http.MethodGet, "/v1/jobs?status=pending&type=generate_note", nil)
	var list []models.Job
	_ = json.Unmarshal(body, &list)
	if len(list) != 1 || list[0].ID != jobID {
		t.Fatalf("unexpected list %s", body)
	}

	resp, _ := s.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get job: %d", resp.StatusCode)
	}

	resp, _ = s.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on second cancel, got %d", resp.StatusCode)
	}

	_, body = s.do(t, http.MethodGet, "/v1/jobs/stats", nil)
	var stats models.JobStats
	_ = json.Unmarshal(body, &stats)
	if stats.Counts.Cancelled != 1 {
		t.Errorf("unexpected stats %s", body)
	}

	_, body = s.do(t, http.MethodGet, "/v1/transcriptions/"+tr.ID+"/status", nil)
	var ev models.StatusEvent
	_ = json.Unmarshal(body, &ev)
	if ev.Status != models.StatusFailed {
		t.Errorf("expected failed after cancel, got %s", ev.Status)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newTestServer(t, 0)
	tr := s.transcription(t, "enc-1", "")

	resp, _ := s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/status", map[string]string{"status": "archived"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/status", map[string]string{"status": "signed"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for illegal transition, got %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/status", map[string]string{"status": "recording"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	_, body := s.do(t, http.MethodGet, "/v1/transcriptions/"+tr.ID+"/timeline", nil)
	var events []models.StatusEvent
	_ = json.Unmarshal(body, &events)
	if len(events) != 1 || events[0].Status != models.StatusRecording {
		t.Errorf("unexpected timeline %s", body)
	}
}

func TestStatusStream(t *testing.T) {
	s := newTestServer(t, 0)
	tr := s.transcription(t, "enc-1", "")
	s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/status", map[string]string{"status": "recording"})

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/v1/transcriptions/" + tr.ID + "/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev models.StatusEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read history: %v", err)
	}
	if ev.Status != models.StatusRecording {
		t.Fatalf("expected recording from history, got %s", ev.Status)
	}

	s.do(t, http.MethodPost, "/v1/transcriptions/"+tr.ID+"/status", map[string]string{"status": "recorded"})
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if ev.Status != models.StatusRecorded {
		t.Errorf("expected recorded pushed, got %s", ev.Status)
	}
}
