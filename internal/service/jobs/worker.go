package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"clinical-scribe-service/internal/backoff"
	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/observability/logging"
	"clinical-scribe-service/internal/observability/metrics"
	"clinical-scribe-service/internal/store"
)

// Handler executes one job and returns its result.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *models.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Finisher is implemented by handlers that react to a job's final outcome.
// It is called once, after completion or permanent failure, never on retry.
type Finisher interface {
	Finish(ctx context.Context, job *models.Job, result json.RawMessage, err error)
}

var errPermanent = errors.New("permanent job failure")

type permanentError struct{ err error }

func (e permanentError) Error() string   { return e.err.Error() }
func (e permanentError) Unwrap() []error { return []error{e.err, errPermanent} }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return permanentError{err: err}
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Workers        int
	PollInterval   time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// JobTimeout bounds one handler call. Zero disables both the timeout and
	// the reclaiming of abandoned claims.
	JobTimeout time.Duration
	// LeaseMargin is added to JobTimeout before a processing job is
	// considered abandoned by its worker.
	LeaseMargin time.Duration
}

// DefaultWorkerConfig returns the worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:        2,
		PollInterval:   time.Second,
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  5 * time.Minute,
		JobTimeout:     2 * time.Minute,
		LeaseMargin:    30 * time.Second,
	}
}

const reclaimBatch = 50

// Worker claims and executes jobs.
type Worker struct {
	store     store.JobStore
	handlers  map[models.JobType]Handler
	cfg       WorkerConfig
	publisher JobPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewWorker creates a worker pool over s.
func NewWorker(s store.JobStore, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.LeaseMargin <= 0 {
		cfg.LeaseMargin = def.LeaseMargin
	}
	return &Worker{
		store:    s,
		handlers: make(map[models.JobType]Handler),
		cfg:      cfg,
		metrics:  metrics.DefaultMetrics,
		now:      time.Now,
	}
}

// SetPublisher sends job outcome events to p.
func (w *Worker) SetPublisher(p JobPublisher) {
	w.publisher = p
}

// Register routes jobs of type t to h. Must be called before Run.
func (w *Worker) Register(t models.JobType, h Handler) {
	w.handlers[t] = h
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger := logging.WithComponent("job-worker")
	logger.Info().Int("workers", w.cfg.Workers).Dur("pollInterval", w.cfg.PollInterval).Msg("Job workers starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}
	if w.lease() > 0 {
		g.Go(func() error {
			return w.reclaimLoop(ctx)
		})
	}
	err := g.Wait()
	logger.Info().Msg("Job workers stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			ran, err := w.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger := logging.WithComponent("job-worker")
				logger.Error().Err(err).Msg("Job poll failed")
				break
			}
			if !ran {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) lease() time.Duration {
	if w.cfg.JobTimeout <= 0 {
		return 0
	}
	return w.cfg.JobTimeout + w.cfg.LeaseMargin
}

func (w *Worker) reclaimLoop(ctx context.Context) error {
	interval := w.lease() / 2
	if interval < w.cfg.PollInterval {
		interval = w.cfg.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.Reclaim(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger := logging.WithComponent("job-worker")
			logger.Error().Err(err).Msg("Job reclaim failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reclaim settles processing jobs whose claim outlived the lease, as left
// behind by a worker that died mid-job. Each counts as a failed attempt: it
// is retried with backoff or, on its last attempt, failed permanently. It
// reports how many jobs were settled.
func (w *Worker) Reclaim(ctx context.Context) (int, error) {
	lease := w.lease()
	if lease <= 0 {
		return 0, nil
	}
	now := w.now()
	stale, err := w.store.StaleJobs(ctx, now.Add(-lease), reclaimBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	settled := 0
	for i := range stale {
		job := &stale[i]
		if job.StartedAt == nil {
			continue
		}
		cause := fmt.Errorf("job lease expired after %s", lease)
		next := w.nextRetry(job, cause)
		err := w.store.ExpireJob(ctx, job.ID, *job.StartedAt, cause.Error(), next, now)
		if errors.Is(err, store.ErrNotFound) {
			// Finished or reclaimed by someone else since the listing.
			continue
		}
		if err != nil {
			logger := logging.WithJob(job.ID, string(job.Type), job.Attempts)
			logger.Error().Err(err).Msg("Failed to expire job")
			continue
		}
		settled++
		w.metrics.RecordJobExpired(string(job.Type))
		w.failed(ctx, w.handlers[job.Type], job, cause, now.Sub(*job.StartedAt), next)
	}
	return settled, nil
}

// nextRetry returns when a failed attempt runs again, or nil when the job
// has no attempts left.
func (w *Worker) nextRetry(job *models.Job, err error) *time.Time {
	if job.Attempts >= job.MaxAttempts || errors.Is(err, errPermanent) {
		return nil
	}
	next := w.now().Add(backoff.Delay(job.Attempts, w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay))
	return &next
}

// RunOnce claims and executes at most one job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	job, err := w.store.ClaimNextJob(ctx, w.now())
	if errors.Is(err, store.ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	w.metrics.RecordJobClaimed()
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *models.Job) {
	logger := logging.WithJob(job.ID, string(job.Type), job.Attempts)
	start := w.now()

	h, ok := w.handlers[job.Type]
	var (
		result json.RawMessage
		err    error
	)
	if !ok {
		err = Permanent(fmt.Errorf("no handler for job type %q", job.Type))
	} else {
		result, err = w.invoke(ctx, h, job)
	}
	took := w.now().Sub(start)
	shuttingDown := ctx.Err() != nil
	// Outcomes are recorded even when shutdown cancelled the handler.
	ctx = context.WithoutCancel(ctx)

	if err == nil {
		if serr := w.store.CompleteJob(ctx, job.ID, result, took, w.now()); serr != nil {
			logger.Error().Err(serr).Msg("Failed to record job completion")
		}
		w.metrics.RecordJobOutcome(string(job.Type), "completed", took.Seconds())
		logger.Info().Dur("processingTime", took).Msg("Job completed")
		job.Status, job.Result, job.ProcessingTime = models.JobCompleted, result, took
		publishJob(ctx, w.publisher, EventJobCompleted, job)
		w.finish(ctx, h, job, result, nil)
		return
	}

	if shuttingDown && !errors.Is(err, errPermanent) {
		if serr := w.store.ReleaseJob(ctx, job.ID); serr != nil {
			logger.Error().Err(serr).Msg("Failed to release job")
		}
		w.metrics.RecordJobOutcome(string(job.Type), "released", took.Seconds())
		logger.Info().Err(err).Msg("Worker stopping, job returned to the queue")
		job.Status, job.Attempts = models.JobPending, job.Attempts-1
		publishJob(ctx, w.publisher, EventJobReleased, job)
		return
	}

	next := w.nextRetry(job, err)
	if next != nil {
		if serr := w.store.RetryJob(ctx, job.ID, err.Error(), *next); serr != nil {
			logger.Error().Err(serr).Msg("Failed to schedule job retry")
		}
		w.metrics.RecordJobOutcome(string(job.Type), "retry", took.Seconds())
	} else {
		if serr := w.store.FailJob(ctx, job.ID, err.Error(), w.now()); serr != nil {
			logger.Error().Err(serr).Msg("Failed to record job failure")
		}
		w.metrics.RecordJobOutcome(string(job.Type), "failed", took.Seconds())
	}
	w.failed(ctx, h, job, err, took, next)
}

// failed logs and publishes a failed attempt already written to the store.
func (w *Worker) failed(ctx context.Context, h Handler, job *models.Job, err error, took time.Duration, next *time.Time) {
	logger := logging.WithJob(job.ID, string(job.Type), job.Attempts)
	job.LastError = err.Error()
	if next != nil {
		logger.Warn().Err(err).Time("nextRetryAt", *next).Msg("Job failed, retry scheduled")
		job.Status, job.NextRetryAt = models.JobPending, next
		publishJob(ctx, w.publisher, EventJobRetry, job)
		return
	}
	logger.Error().Err(err).Dur("processingTime", took).Msg("Job failed permanently")
	job.Status = models.JobFailed
	publishJob(ctx, w.publisher, EventJobFailed, job)
	w.finish(ctx, h, job, nil, err)
}

func (w *Worker) invoke(ctx context.Context, h Handler, job *models.Job) (result json.RawMessage, err error) {
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

func (w *Worker) finish(ctx context.Context, h Handler, job *models.Job, result json.RawMessage, err error) {
	if f, ok := h.(Finisher); ok {
		f.Finish(ctx, job, result, err)
	}
}
