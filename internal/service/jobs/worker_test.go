package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/store/memory"
)

// scriptedHandler fails the first `failures` calls and then succeeds.
type scriptedHandler struct {
	failures int32
	calls    atomic.Int32

	mu        sync.Mutex
	finished  []*models.Job
	finishErr error
}

func (h *scriptedHandler) Handle(_ context.Context, _ *models.Job) (json.RawMessage, error) {
	n := h.calls.Add(1)
	if n <= h.failures {
		return nil, errors.New("generator unavailable")
	}
	return json.RawMessage(`{"note_id":"n-1"}`), nil
}

func (h *scriptedHandler) Finish(_ context.Context, job *models.Job, _ json.RawMessage, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, job)
	h.finishErr = err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWorker(t *testing.T, h Handler) (*Worker, *memory.Store, *testClock) {
	t.Helper()
	s := memory.New()
	clock := &testClock{now: time.Now().Add(time.Minute)}
	w := NewWorker(s, WorkerConfig{
		Workers:        1,
		PollInterval:   10 * time.Millisecond,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
	})
	w.now = clock.Now
	w.Register(models.JobGenerateNote, h)
	return w, s, clock
}

// drain runs the worker, advancing past every retry delay, until nothing is left.
func drain(t *testing.T, w *Worker, clock *testClock) {
	t.Helper()
	for i := 0; i < 20; i++ {
		ran, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !ran {
			clock.Advance(time.Hour)
			if ran, _ = w.RunOnce(context.Background()); !ran {
				return
			}
		}
	}
}

func TestWorker_FailsPermanentlyAfterMaxAttempts(t *testing.T) {
	h := &scriptedHandler{failures: 3}
	w, s, clock := newTestWorker(t, h)
	_ = s.CreateJob(context.Background(), &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 3})

	drain(t, w, clock)

	job, _ := s.GetJob(context.Background(), "j1")
	if job.Status != models.JobFailed {
		t.Errorf("expected failed, got %s", job.Status)
	}
	if job.Attempts != 3 {
		t.Errorf("expected attempts 3, got %d", job.Attempts)
	}
	if job.LastError == "" {
		t.Error("expected last_error to be set")
	}
	if len(h.finished) != 1 || h.finishErr == nil {
		t.Errorf("expected a single failure finish, got %d (err=%v)", len(h.finished), h.finishErr)
	}
}

func TestWorker_SucceedsAfterTwoFailures(t *testing.T) {
	h := &scriptedHandler{failures: 2}
	w, s, clock := newTestWorker(t, h)
	_ = s.CreateJob(context.Background(), &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 3})

	drain(t, w, clock)

	job, _ := s.GetJob(context.Background(), "j1")
	if job.Status != models.JobCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
	if job.Attempts != 3 {
		t.Errorf("expected attempts 3, got %d", job.Attempts)
	}
	if string(job.Result) != `{"note_id":"n-1"}` {
		t.Errorf("unexpected result %s", job.Result)
	}
	if job.CompletedAt == nil {
		t.Error("expected completed_at")
	}
	if len(h.finished) != 1 || h.finishErr != nil {
		t.Errorf("expected a single success finish, got %d (err=%v)", len(h.finished), h.finishErr)
	}
}

func TestWorker_RetryWaitsForBackoff(t *testing.T) {
	h := &scriptedHandler{failures: 1}
	w, s, clock := newTestWorker(t, h)
	_ = s.CreateJob(context.Background(), &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 3})

	if ran, _ := w.RunOnce(context.Background()); !ran {
		t.Fatal("expected first attempt to run")
	}
	job, _ := s.GetJob(context.Background(), "j1")
	if job.Status != models.JobPending || job.NextRetryAt == nil {
		t.Fatalf("expected pending with next_retry_at, got %+v", job)
	}
	if got := job.NextRetryAt.Sub(clock.Now()); got != time.Second {
		t.Errorf("expected first retry after 1s, got %v", got)
	}

	if ran, _ := w.RunOnce(context.Background()); ran {
		t.Fatal("job must not run before next_retry_at")
	}
	clock.Advance(time.Second)
	if ran, _ := w.RunOnce(context.Background()); !ran {
		t.Fatal("expected retry to run once due")
	}
}

func TestWorker_PermanentErrorSkipsRetries(t *testing.T) {
	h := HandlerFunc(func(context.Context, *models.Job) (json.RawMessage, error) {
		return nil, Permanent(errors.New("transcription deleted"))
	})
	w, s, _ := newTestWorker(t, h)
	_ = s.CreateJob(context.Background(), &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 5})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	job, _ := s.GetJob(context.Background(), "j1")
	if job.Status != models.JobFailed || job.Attempts != 1 {
		t.Errorf("expected failed after 1 attempt, got %s/%d", job.Status, job.Attempts)
	}
	if job.LastError != "transcription deleted" {
		t.Errorf("unexpected last_error %q", job.LastError)
	}
}

func TestWorker_UnknownTypeFails(t *testing.T) {
	w, s, _ := newTestWorker(t, &scriptedHandler{})
	_ = s.CreateJob(context.Background(), &models.Job{ID: "j1", Type: "mystery", MaxAttempts: 3})

	_, _ = w.RunOnce(context.Background())
	job, _ := s.GetJob(context.Background(), "j1")
	if job.Status != models.JobFailed {
		t.Errorf("expected failed, got %s", job.Status)
	}
}

func TestWorker_PanicIsAFailure(t *testing.T) {
	h := HandlerFunc(func(context.Context, *models.Job) (json.RawMessage, error) {
		panic("boom")
	})
	w, s, _ := newTestWorker(t, h)
	_ = s.CreateJob(context.Background(), &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 1})

	_, _ = w.RunOnce(context.Background())
	job, _ := s.GetJob(context.Background(), "j1")
	if job.Status != models.JobFailed {
		t.Errorf("expected failed, got %s", job.Status)
	}
}

func TestWorker_RunProcessesConcurrentlyWithoutDuplicates(t *testing.T) {
	s := memory.New()
	var mu sync.Mutex
	seen := make(map[string]int)
	h := HandlerFunc(func(_ context.Context, job *models.Job) (json.RawMessage, error) {
		mu.Lock()
		seen[job.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return json.RawMessage(`{}`), nil
	})
	w := NewWorker(s, WorkerConfig{Workers: 4, PollInterval: 5 * time.Millisecond})
	w.Register(models.JobGenerateNote, h)

	for i := 0; i < 20; i++ {
		_ = s.CreateJob(context.Background(), &models.Job{Type: models.JobGenerateNote, MaxAttempts: 1})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		c, _ := s.CountJobs(context.Background(), "")
		if c.Completed == 20 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out, counts %+v", c)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}

	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s executed %d times", id, n)
		}
	}
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) PublishJob(_ context.Context, eventType string, _ *models.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, eventType)
	return nil
}

func TestWorker_PublishesOutcomeEvents(t *testing.T) {
	h := &scriptedHandler{failures: 1}
	w, s, clock := newTestWorker(t, h)
	events := &eventLog{}
	w.SetPublisher(events)
	_ = s.CreateJob(context.Background(), &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 3})

	drain(t, w, clock)

	want := []string{EventJobRetry, EventJobCompleted}
	if len(events.types) != len(want) {
		t.Fatalf("events = %v, want %v", events.types, want)
	}
	for i := range want {
		if events.types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, events.types[i], want[i])
		}
	}
}

func newLeasedWorker(t *testing.T, h Handler) (*Worker, *memory.Store, *testClock) {
	t.Helper()
	w, s, clock := newTestWorker(t, h)
	w.cfg.JobTimeout = time.Minute
	w.cfg.LeaseMargin = 30 * time.Second
	return w, s, clock
}

func TestWorker_ReclaimsAbandonedClaim(t *testing.T) {
	h := &scriptedHandler{}
	w, s, clock := newLeasedWorker(t, h)
	ctx := context.Background()
	_ = s.CreateJob(ctx, &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 3})

	// A worker that dies right after claiming leaves the job processing.
	if _, err := s.ClaimNextJob(ctx, clock.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n, err := w.Reclaim(ctx); err != nil || n != 0 {
		t.Fatalf("claim within its lease was reclaimed: n=%d err=%v", n, err)
	}

	clock.Advance(2 * time.Minute)
	n, err := w.Reclaim(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one reclaimed job, got n=%d err=%v", n, err)
	}
	job, _ := s.GetJob(ctx, "j1")
	if job.Status != models.JobPending || job.Attempts != 1 || job.NextRetryAt == nil {
		t.Fatalf("expected pending retry after one attempt, got %+v", job)
	}
	if !strings.Contains(job.LastError, "lease expired") {
		t.Errorf("unexpected last_error %q", job.LastError)
	}

	drain(t, w, clock)
	job, _ = s.GetJob(ctx, "j1")
	if job.Status != models.JobCompleted || job.Attempts != 2 {
		t.Errorf("expected completed on attempt 2, got %s/%d", job.Status, job.Attempts)
	}
}

func TestWorker_ReclaimOnLastAttemptFails(t *testing.T) {
	h := &scriptedHandler{}
	w, s, clock := newLeasedWorker(t, h)
	events := &eventLog{}
	w.SetPublisher(events)
	ctx := context.Background()
	_ = s.CreateJob(ctx, &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 1})

	if _, err := s.ClaimNextJob(ctx, clock.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock.Advance(24 * time.Hour)
	if n, _ := w.Reclaim(ctx); n != 1 {
		t.Fatalf("expected one reclaimed job, got %d", n)
	}

	job, _ := s.GetJob(ctx, "j1")
	if job.Status != models.JobFailed || job.Attempts != 1 || job.LastError == "" {
		t.Errorf("expected failed with last_error, got %+v", job)
	}
	if len(h.finished) != 1 || h.finishErr == nil {
		t.Errorf("expected the failure to reach the finisher, got %d (err=%v)", len(h.finished), h.finishErr)
	}
	if len(events.types) != 1 || events.types[0] != EventJobFailed {
		t.Errorf("events = %v", events.types)
	}
	if n, _ := w.Reclaim(ctx); n != 0 {
		t.Errorf("failed job reclaimed again")
	}
}

func TestWorker_ReclaimDisabledWithoutTimeout(t *testing.T) {
	w, s, clock := newTestWorker(t, &scriptedHandler{})
	ctx := context.Background()
	_ = s.CreateJob(ctx, &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 3})
	_, _ = s.ClaimNextJob(ctx, clock.Now())
	clock.Advance(24 * time.Hour)

	if n, err := w.Reclaim(ctx); n != 0 || err != nil {
		t.Errorf("expected no reclaim without a job timeout, got n=%d err=%v", n, err)
	}
}

func TestWorker_ShutdownReturnsJobWithoutUsingAttempt(t *testing.T) {
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, _ *models.Job) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w, s, _ := newTestWorker(t, h)
	events := &eventLog{}
	w.SetPublisher(events)
	_ = s.CreateJob(context.Background(), &models.Job{ID: "j1", Type: models.JobGenerateNote, MaxAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.RunOnce(ctx)
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce did not return after cancellation")
	}

	job, _ := s.GetJob(context.Background(), "j1")
	if job.Status != models.JobPending || job.Attempts != 0 {
		t.Errorf("expected pending with no attempt used, got %s/%d", job.Status, job.Attempts)
	}
	if job.LastError != "" {
		t.Errorf("shutdown recorded as an error: %q", job.LastError)
	}
	if len(events.types) != 1 || events.types[0] != EventJobReleased {
		t.Errorf("events = %v", events.types)
	}
}
