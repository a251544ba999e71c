package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/observability/metrics"
)

// DefaultAutosaveDelay is the debounce window for draft saves.
const DefaultAutosaveDelay = 500 * time.Millisecond

// DraftSaver persists the autosaved draft.
type DraftSaver interface {
	SaveDraft(ctx context.Context, transcriptionID string, draft models.Draft) error
}

// Promoter moves a never-recorded transcription to recorded. Implementations
// must be idempotent.
type Promoter interface {
	PromoteRecorded(ctx context.Context, transcriptionID, transcriptRef string) (bool, error)
}

// Snapshot is the state read when a save fires.
type Snapshot struct {
	Draft     models.Draft
	Recording bool
}

// Autosaver coalesces changes into debounced draft saves. Each save reads
// the latest state when it fires.
type Autosaver struct {
	id       string
	drafts   DraftSaver
	promoter Promoter
	snapshot func() Snapshot
	delay    time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	closed   bool
	promoted bool

	// saveMu keeps writes in order.
	saveMu sync.Mutex
}

// NewAutosaver creates an idle autosaver.
func NewAutosaver(id string, drafts DraftSaver, promoter Promoter, delay time.Duration, snapshot func() Snapshot, logger zerolog.Logger) *Autosaver {
	if delay <= 0 {
		delay = DefaultAutosaveDelay
	}
	return &Autosaver{
		id:       id,
		drafts:   drafts,
		promoter: promoter,
		snapshot: snapshot,
		delay:    delay,
		timeout:  10 * time.Second,
		metrics:  metrics.DefaultMetrics,
		logger:   logger,
	}
}

// Touch schedules a save, pushing back any pending one.
func (a *Autosaver) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.delay, a.fire)
}

// Pending reports whether a save is scheduled.
func (a *Autosaver) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// Flush cancels any pending save and saves now.
func (a *Autosaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	return a.save(ctx)
}

// Close cancels any pending save.
func (a *Autosaver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Autosaver) fire() {
	a.mu.Lock()
	a.timer = nil
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.save(ctx); err != nil {
		// Retry on the next cycle even if nothing else changes.
		a.Touch()
	}
}

func (a *Autosaver) save(ctx context.Context) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	snap := a.snapshot()
	err := a.drafts.SaveDraft(ctx, a.id, snap.Draft)
	a.metrics.RecordAutosave(err)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Autosave failed")
		return err
	}
	a.logger.Debug().
		Int("transcriptLength", len(snap.Draft.Transcript)).
		Int("durationSeconds", snap.Draft.DurationSeconds).
		Msg("Draft saved")

	if snap.Draft.Transcript == "" || snap.Recording || a.promoter == nil {
		return nil
	}
	a.mu.Lock()
	done := a.promoted
	a.mu.Unlock()
	if done {
		return nil
	}

	promoted, err := a.promoter.PromoteRecorded(ctx, a.id, a.id)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Status promotion failed")
		return nil
	}
	// Either this save promoted or the status already moved on.
	a.mu.Lock()
	a.promoted = true
	a.mu.Unlock()
	if promoted {
		a.logger.Info().Msg("Transcription promoted to recorded after manual entry")
	}
	return nil
}
