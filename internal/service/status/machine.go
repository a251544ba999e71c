// Package status owns the transcription lifecycle. Every change is an appended
// timeline event; past events are never edited.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/observability/metrics"
	"clinical-scribe-service/internal/store"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrGenerationInFlight is returned when processing is requested while a
	// generation is already running for the transcription.
	ErrGenerationInFlight = errors.New("note generation already in progress")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From models.Status
	To   models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions lists the allowed successors of each status. not_recorded ->
// recorded is deliberately absent; it only happens through PromoteRecorded.
var transitions = map[models.Status][]models.Status{
	models.StatusNotRecorded: {models.StatusRecording},
	models.StatusRecording:   {models.StatusRecorded},
	models.StatusRecorded:    {models.StatusProcessing},
	models.StatusProcessing:  {models.StatusCompleted, models.StatusFailed},
	models.StatusCompleted:   {models.StatusPushedToEMR, models.StatusProcessing},
	models.StatusFailed:      {models.StatusProcessing},
	models.StatusPushedToEMR: {models.StatusSigned},
}

// CanTransition reports whether from -> to is allowed through Transition.
func CanTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Publisher forwards appended events to other services.
type Publisher interface {
	PublishStatus(ctx context.Context, key string, ev models.StatusEvent) error
}

// Machine validates and records status transitions.
type Machine struct {
	store     store.StatusStore
	publisher Publisher
	hub       *Hub
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithPublisher forwards every appended event to p.
func WithPublisher(p Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a machine over s.
func NewMachine(s store.StatusStore, opts ...Option) *Machine {
	m := &Machine{
		store:   s,
		hub:     NewHub(),
		metrics: metrics.DefaultMetrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hub returns the in-process subscriber hub.
func (m *Machine) Hub() *Hub {
	return m.hub
}

// Current returns the latest status, or not_recorded for an empty timeline.
func (m *Machine) Current(ctx context.Context, transcriptionID string) (models.Status, error) {
	ev, ok, err := m.store.LatestStatus(ctx, transcriptionID)
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	if !ok {
		return models.StatusNotRecorded, nil
	}
	return ev.Status, nil
}

// Latest returns the latest event and whether one exists.
func (m *Machine) Latest(ctx context.Context, transcriptionID string) (models.StatusEvent, bool, error) {
	return m.store.LatestStatus(ctx, transcriptionID)
}

// Timeline returns every event in append order.
func (m *Machine) Timeline(ctx context.Context, transcriptionID string) ([]models.StatusEvent, error) {
	return m.store.ListStatus(ctx, transcriptionID)
}

// Transition appends ev after validating it against the current status.
// The append is conditional on the status it was validated against, so two
// concurrent callers can never both leave the same state.
func (m *Machine) Transition(ctx context.Context, ev models.StatusEvent) (models.StatusEvent, error) {
	from, err := m.Current(ctx, ev.TranscriptionID)
	if err != nil {
		return models.StatusEvent{}, err
	}
	return m.TransitionFrom(ctx, from, ev)
}

// TransitionFrom appends ev only if the current status is from.
func (m *Machine) TransitionFrom(ctx context.Context, from models.Status, ev models.StatusEvent) (models.StatusEvent, error) {
	if !CanTransition(from, ev.Status) {
		if from == models.StatusProcessing && ev.Status == models.StatusProcessing {
			return models.StatusEvent{}, ErrGenerationInFlight
		}
		return models.StatusEvent{}, &TransitionError{From: from, To: ev.Status}
	}
	ev = m.stamp(ev)

	err := m.store.AppendStatusIf(ctx, from, ev)
	if errors.Is(err, store.ErrStatusConflict) {
		current, cerr := m.Current(ctx, ev.TranscriptionID)
		if cerr != nil {
			return models.StatusEvent{}, cerr
		}
		if current == models.StatusProcessing && ev.Status == models.StatusProcessing {
			return models.StatusEvent{}, ErrGenerationInFlight
		}
		return models.StatusEvent{}, &TransitionError{From: current, To: ev.Status}
	}
	if err != nil {
		return models.StatusEvent{}, fmt.Errorf("append status: %w", err)
	}

	m.appended(ctx, from, ev)
	return ev, nil
}

// PromoteRecorded moves a transcription that was never recorded to recorded.
// It is idempotent: only the first caller appends, later or concurrent
// callers get false without error.
func (m *Machine) PromoteRecorded(ctx context.Context, transcriptionID, transcriptRef string) (bool, error) {
	ev := m.stamp(models.StatusEvent{
		TranscriptionID: transcriptionID,
		Status:          models.StatusRecorded,
		TranscriptRef:   transcriptRef,
		Reason:          models.ReasonManualEntry,
	})
	err := m.store.AppendStatusIf(ctx, models.StatusNotRecorded, ev)
	if errors.Is(err, store.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("promote to recorded: %w", err)
	}
	m.metrics.RecordPromotion()
	m.appended(ctx, models.StatusNotRecorded, ev)
	return true, nil
}

// Subscribe delivers events for transcriptionID until cancel is called.
func (m *Machine) Subscribe(transcriptionID string) (<-chan models.StatusEvent, func()) {
	return m.hub.Subscribe(transcriptionID)
}

func (m *Machine) stamp(ev models.StatusEvent) models.StatusEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now().UTC()
	}
	return ev
}

func (m *Machine) appended(ctx context.Context, from models.Status, ev models.StatusEvent) {
	m.metrics.RecordStatusTransition(string(ev.Status))
	log.Info().
		Str("transcriptionId", ev.TranscriptionID).
		Str("from", string(from)).
		Str("to", string(ev.Status)).
		Str("reason", ev.Reason).
		Msg("Status transition")

	m.hub.Broadcast(ev)
	if m.publisher != nil {
		if err := m.publisher.PublishStatus(ctx, ev.TranscriptionID, ev); err != nil {
			log.Warn().Err(err).Str("transcriptionId", ev.TranscriptionID).Msg("Failed to publish status event")
		}
	}
}
