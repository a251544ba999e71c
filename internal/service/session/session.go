// Package session runs one live recording: it acquires audio, streams it for
// transcription, accumulates the transcript, autosaves the draft and drives
// the transcription's status through recording to recorded.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/observability/logging"
	"clinical-scribe-service/internal/observability/metrics"
	"clinical-scribe-service/internal/service/audio"
	"clinical-scribe-service/internal/service/segment"
	"clinical-scribe-service/internal/service/stt"
	"clinical-scribe-service/internal/service/transcript"
)

var (
	// ErrAlreadyRecorded is returned when starting a transcription whose
	// status has moved past not_recorded.
	ErrAlreadyRecorded = errors.New("transcription has already been recorded")
	// ErrNotRecording is returned by operations that need an active recording.
	ErrNotRecording = errors.New("session is not recording")
	// ErrRecording is returned when starting a session that is already live.
	ErrRecording = errors.New("session is already recording")
)

// StatusPort is the session's view of the status timeline.
type StatusPort interface {
	Promoter
	Current(ctx context.Context, transcriptionID string) (models.Status, error)
	Transition(ctx context.Context, ev models.StatusEvent) (models.StatusEvent, error)
}

// SegmentPublisher receives every finalized fragment. Optional.
type SegmentPublisher interface {
	PublishTranscriptFinal(ctx context.Context, ev models.TranscriptFinal) error
}

// Listener is notified of user-visible session changes. Calls may come from
// any goroutine.
type Listener interface {
	OnTranscript(display string)
	// OnWarning reports a degraded but running session, such as a declined
	// ambient source.
	OnWarning(err error)
	// OnStopped reports the end of recording. err is nil for user stops and
	// silence timeouts.
	OnStopped(reason string, err error)
}

// Config holds per-session settings.
type Config struct {
	Constraints   audio.Constraints
	SilenceWindow time.Duration
	AutosaveDelay time.Duration
	Stream        stt.Options
}

// DefaultConfig returns the standard session settings.
func DefaultConfig() Config {
	return Config{
		Constraints:   audio.DefaultConstraints(),
		SilenceWindow: DefaultSilenceWindow,
		AutosaveDelay: DefaultAutosaveDelay,
		Stream:        stt.DefaultOptions(),
	}
}

// Deps are the collaborators a session needs.
type Deps struct {
	Capture  audio.Capture
	Ambient  *audio.SharedSource
	Dialer   stt.Dialer
	Tokens   stt.TokenProvider
	Status   StatusPort
	Drafts   DraftSaver
	Segments SegmentPublisher
	Listener Listener
}

// Session owns the devices, channel, timers and buffers of one
// transcription. Recording happens at most once; editing continues after.
type Session struct {
	tr      models.Transcription
	cfg     Config
	deps    Deps
	metrics *metrics.Metrics
	logger  zerolog.Logger

	acc        *transcript.Accumulator
	utterances *segment.Tracker
	watchdog   *Watchdog
	autosave   *Autosaver

	mu            sync.Mutex
	recording     bool
	startedAt     time.Time
	priorDuration time.Duration
	providerNotes string
	templateID    string
	mic           audio.Stream
	ambient       audio.Stream
	mixed         *audio.Mixed
	client        *stt.Client
	stopped       chan struct{}
}

// New builds a session over a previously loaded transcription.
func New(tr models.Transcription, cfg Config, deps Deps) *Session {
	if deps.Listener == nil {
		deps.Listener = nopListener{}
	}
	s := &Session{
		tr:            tr,
		cfg:           cfg,
		deps:          deps,
		metrics:       metrics.DefaultMetrics,
		logger:        logging.WithSession(tr.ID, tr.EncounterID),
		acc:           transcript.New(tr.Transcript),
		utterances:    segment.NewTracker(tr.ID),
		priorDuration: time.Duration(tr.DurationSeconds) * time.Second,
		providerNotes: tr.ProviderNotes,
		templateID:    tr.TemplateID,
	}
	s.watchdog = NewWatchdog(cfg.SilenceWindow, s.onSilence)
	s.autosave = NewAutosaver(tr.ID, deps.Drafts, deps.Status, cfg.AutosaveDelay, s.snapshot, s.logger)
	s.acc.OnChange(deps.Listener.OnTranscript)
	s.acc.OnFinal(s.onFinalSegment)
	return s
}

// ID returns the transcription id.
func (s *Session) ID() string { return s.tr.ID }

// Recording reports whether audio is being captured.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Transcript returns the displayed text.
func (s *Session) Transcript() string { return s.acc.Display() }

// Finalized returns the persisted transcript text.
func (s *Session) Finalized() string { return s.acc.Finalized() }

// Elapsed returns the total recorded duration.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

// Stopped is closed when the current recording ends. It is nil before Start.
func (s *Session) Stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) elapsedLocked() time.Duration {
	d := s.priorDuration
	if s.recording {
		d += time.Since(s.startedAt)
	}
	return d
}

// Start acquires the microphone and opens the transcription channel in
// parallel, then begins streaming. With withAmbient the ambient source is
// requested too; declining it only produces a warning. An ambient source
// retained from an earlier session is reused without asking.
func (s *Session) Start(ctx context.Context, withAmbient bool) error {
	s.mu.Lock()
	if s.recording {
		s.mu.Unlock()
		return ErrRecording
	}
	s.mu.Unlock()

	current, err := s.deps.Status.Current(ctx, s.tr.ID)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if current != models.StatusNotRecorded {
		return fmt.Errorf("%w (status %s)", ErrAlreadyRecorded, current)
	}

	opts := s.cfg.Stream
	opts.SessionID = s.tr.ID
	client := stt.NewClient(s.deps.Dialer, s.deps.Tokens, opts)

	var mic audio.Stream
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := s.deps.Capture.AcquireMicrophone(gctx, s.cfg.Constraints)
		if err != nil {
			return err
		}
		mic = m
		return nil
	})
	g.Go(func() error {
		return client.Connect(gctx, streamEvents{s})
	})
	if err := g.Wait(); err != nil {
		client.Stop()
		if mic != nil {
			_ = mic.Close()
		}
		s.logger.Error().Err(err).Msg("Failed to start recording")
		return err
	}
	if !mic.HasAudio() {
		client.Stop()
		_ = mic.Close()
		return &audio.DeviceError{Kind: audio.KindNoAudioTrack, Source: "microphone"}
	}

	ambient := s.ambientFor(ctx, withAmbient)
	mixed, err := audio.Mix(mic, ambient)
	if err != nil {
		client.Stop()
		_ = mic.Close()
		s.releaseAmbient()
		return err
	}

	if _, err := s.deps.Status.Transition(ctx, models.StatusEvent{
		TranscriptionID: s.tr.ID,
		Status:          models.StatusRecording,
	}); err != nil {
		_ = mixed.Close()
		client.Stop()
		_ = mic.Close()
		s.releaseAmbient()
		return fmt.Errorf("mark recording: %w", err)
	}

	s.mu.Lock()
	s.recording = true
	s.startedAt = time.Now()
	s.mic = mic
	s.ambient = ambient
	s.mixed = mixed
	s.client = client
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	client.Attach(mixed)
	s.watchdog.Start()
	go s.watchDevices(mic, ambient)

	s.metrics.RecordSessionStart()
	s.logger.Info().Str("source", mixed.Label()).Msg("Recording started")
	return nil
}

func (s *Session) ambientFor(ctx context.Context, requested bool) audio.Stream {
	if s.deps.Ambient == nil {
		return nil
	}
	if !requested {
		return s.deps.Ambient.Retained(s.tr.ID)
	}
	st, err := s.deps.Ambient.Acquire(ctx, s.tr.ID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Ambient source unavailable; recording microphone only")
		s.deps.Listener.OnWarning(err)
		return nil
	}
	return st
}

func (s *Session) releaseAmbient() {
	if s.deps.Ambient != nil {
		s.deps.Ambient.Release(s.tr.ID)
	}
}

// AddAmbient mixes the ambient source into a running recording. Audio
// already captured stays queued for sending.
func (s *Session) AddAmbient(ctx context.Context) error {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return ErrNotRecording
	}
	if s.ambient != nil {
		s.mu.Unlock()
		return nil
	}
	mic := s.mic
	s.mu.Unlock()

	if s.deps.Ambient == nil {
		return &audio.DeviceError{Kind: audio.KindUnavailable, Source: "ambient"}
	}
	ambient, err := s.deps.Ambient.Acquire(ctx, s.tr.ID)
	if err != nil {
		s.deps.Listener.OnWarning(err)
		return err
	}
	if err := s.remix(mic, ambient); err != nil {
		s.releaseAmbient()
		return err
	}
	go s.watchAmbient(ambient)
	s.logger.Info().Msg("Ambient source added to recording")
	return nil
}

// remix rebuilds the mixed output and hands it to the client.
func (s *Session) remix(mic, ambient audio.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return ErrNotRecording
	}
	if s.mixed != nil {
		_ = s.mixed.Close()
	}
	mixed, err := audio.Mix(mic, ambient)
	if err != nil {
		return err
	}
	s.mixed = mixed
	s.ambient = ambient
	s.client.Attach(mixed)
	return nil
}

func (s *Session) watchDevices(mic, ambient audio.Stream) {
	if ambient != nil {
		go s.watchAmbient(ambient)
	}
	stopped := s.Stopped()
	select {
	case <-stopped:
	case <-mic.Done():
		select {
		case <-stopped:
			return
		default:
		}
		err := &audio.DeviceError{Kind: audio.KindRevoked, Source: "microphone"}
		s.logger.Error().Err(err).Msg("Microphone lost")
		s.stop(context.Background(), models.ReasonDeviceError, err)
	}
}

// watchAmbient degrades to microphone-only when the ambient track ends.
func (s *Session) watchAmbient(ambient audio.Stream) {
	stopped := s.Stopped()
	select {
	case <-stopped:
		return
	case <-ambient.Done():
	}
	s.mu.Lock()
	current, mic := s.ambient, s.mic
	s.mu.Unlock()
	if current != ambient {
		return
	}
	s.logger.Warn().Msg("Ambient source ended; continuing with microphone only")
	if err := s.remix(mic, nil); err != nil && !errors.Is(err, ErrNotRecording) {
		s.logger.Error().Err(err).Msg("Failed to rebuild audio after ambient loss")
	}
	s.releaseAmbient()
	s.deps.Listener.OnWarning(&audio.DeviceError{Kind: audio.KindRevoked, Source: "ambient"})
}

// Stop ends the recording at the user's request.
func (s *Session) Stop(ctx context.Context) error {
	return s.stop(ctx, models.ReasonUserStopped, nil)
}

// stop ends recording in order: stop sending audio, close the channel
// cleanly, release the microphone, save, then append recorded.
func (s *Session) stop(ctx context.Context, reason string, cause error) error {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.priorDuration = s.elapsedLocked()
	s.recording = false
	mic, mixed, client, stopped := s.mic, s.mixed, s.client, s.stopped
	s.mic, s.ambient, s.mixed, s.client = nil, nil, nil, nil
	elapsed := s.priorDuration
	s.mu.Unlock()
	close(stopped)

	s.watchdog.Stop()
	_ = mixed.Close()
	client.Stop()
	if id, ok := s.utterances.Drop(); ok {
		s.logger.Debug().Str("segmentId", id).Msg("Discarding unfinalized utterance")
		s.acc.ApplyInterim("")
	}
	if err := mic.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to release microphone")
	}
	s.releaseAmbient()

	ctx = context.WithoutCancel(ctx)
	if err := s.autosave.Flush(ctx); err != nil {
		s.autosave.Touch()
	}
	_, err := s.deps.Status.Transition(ctx, models.StatusEvent{
		TranscriptionID: s.tr.ID,
		Status:          models.StatusRecorded,
		TranscriptRef:   s.tr.ID,
		Reason:          reason,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to mark recorded")
	}

	s.metrics.RecordSessionEnd(reason, elapsed.Seconds())
	ev := s.logger.Info()
	if cause != nil {
		ev = s.logger.Error().Err(cause)
	}
	ev.Str("reason", reason).Dur("elapsed", elapsed).Msg("Recording stopped")

	s.deps.Listener.OnStopped(reason, cause)
	return err
}

// Edit replaces the transcript with manual text.
func (s *Session) Edit(text string) {
	s.acc.Edit(text)
	s.autosave.Touch()
}

// SetProviderNotes updates the free-text notes.
func (s *Session) SetProviderNotes(notes string) {
	s.mu.Lock()
	s.providerNotes = notes
	s.mu.Unlock()
	s.autosave.Touch()
}

// SetTemplate selects the note template.
func (s *Session) SetTemplate(templateID string) {
	s.mu.Lock()
	s.templateID = templateID
	s.mu.Unlock()
	s.autosave.Touch()
}

// SetVisible suspends the silence watchdog while the host is hidden.
func (s *Session) SetVisible(visible bool) {
	s.watchdog.SetVisible(visible)
}

// Close stops any recording and saves pending edits.
func (s *Session) Close(ctx context.Context) error {
	if s.Recording() {
		_ = s.Stop(ctx)
	}
	err := s.autosave.Flush(ctx)
	s.autosave.Close()
	return err
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Draft: models.Draft{
			Transcript:      s.acc.Finalized(),
			ProviderNotes:   s.providerNotes,
			DurationSeconds: int(s.elapsedLocked().Seconds()),
			TemplateID:      s.templateID,
		},
		Recording: s.recording,
	}
}

func (s *Session) onFinalSegment(text string) {
	s.watchdog.Activity()
	s.autosave.Touch()

	id, seq := s.utterances.Final()
	if s.deps.Segments == nil {
		return
	}
	ev := models.TranscriptFinal{
		EventType:       "transcript.final",
		TranscriptionID: s.tr.ID,
		EncounterID:     s.tr.EncounterID,
		SegmentID:       id,
		Timestamp:       time.Now().UnixMilli(),
		Sequence:        seq,
		Text:            text,
	}
	if err := s.deps.Segments.PublishTranscriptFinal(context.Background(), ev); err != nil {
		s.logger.Warn().Err(err).Str("segmentId", id).Msg("Failed to publish final segment")
	}
}

func (s *Session) onSilence() {
	s.logger.Info().Dur("window", s.cfg.SilenceWindow).Msg("No speech detected; stopping")
	if err := s.stop(context.Background(), models.ReasonSilenceTimeout, nil); err != nil && !errors.Is(err, ErrNotRecording) {
		s.logger.Error().Err(err).Msg("Silence stop failed")
	}
}

// streamEvents adapts the session to stt.Callback.
type streamEvents struct{ s *Session }

func (e streamEvents) OnPartial(text string) {
	e.s.utterances.Partial()
	e.s.acc.ApplyInterim(text)
}

// OnFinal applies a final. An empty final ends the utterance without text.
func (e streamEvents) OnFinal(text string) {
	if strings.TrimSpace(text) == "" {
		e.s.utterances.Drop()
	}
	e.s.acc.ApplyFinal(text)
}

func (e streamEvents) OnInfo(msg string) {
	e.s.logger.Debug().Str("message", msg).Msg("Transcription info")
}

// OnError runs on the client goroutine, so stopping happens elsewhere.
func (e streamEvents) OnError(err error) {
	go func() {
		if serr := e.s.stop(context.Background(), models.ReasonTransportError, err); serr != nil && !errors.Is(serr, ErrNotRecording) {
			e.s.logger.Error().Err(serr).Msg("Transport stop failed")
		}
	}()
}

type nopListener struct{}

func (nopListener) OnTranscript(string)     {}
func (nopListener) OnWarning(error)         {}
func (nopListener) OnStopped(string, error) {}
