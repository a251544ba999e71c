// Command audioclient records an encounter through a Session: it captures the
// microphone (or plays WAV files), streams to the transcription backend,
// autosaves through the API and optionally requests a note when done.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/api/client"
	"clinical-scribe-service/internal/app"
	"clinical-scribe-service/internal/config"
	"clinical-scribe-service/internal/events"
	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/observability/logging"
	"clinical-scribe-service/internal/service/audio"
	"clinical-scribe-service/internal/service/audio/device"
	"clinical-scribe-service/internal/service/audio/wavfile"
	"clinical-scribe-service/internal/service/entitlement"
	"clinical-scribe-service/internal/service/session"
	"clinical-scribe-service/internal/service/stt"
)

func main() {
	cfg := config.Load()

	apiURL := flag.String("api", "http://localhost:"+cfg.Service.HTTPPort, "Clinical scribe API base URL")
	org := flag.String("org", "org-demo", "Organization ID")
	encounter := flag.String("encounter", "enc-"+time.Now().Format("150405"), "Encounter ID")
	micWav := flag.String("wav", "", "Play this WAV file instead of the microphone")
	ambientWav := flag.String("ambient-wav", "", "Mix this WAV file in as the ambient source")
	ambient := flag.Bool("ambient", false, "Mix in the ambient (loopback) source")
	provider := flag.String("provider", cfg.Transcription.Provider, "Transcription backend: websocket, google or mock")
	streamURL := flag.String("url", cfg.Transcription.URL, "Streaming endpoint for the websocket backend")
	token := flag.String("token", cfg.Transcription.Token, "Streaming token")
	duration := flag.Duration("duration", 0, "Stop recording after this long (0 waits for Ctrl-C or silence)")
	generate := flag.Bool("generate", false, "Request note generation after recording")
	template := flag.String("template", "soap", "Note template ID")
	flag.Parse()

	lc := logging.DefaultConfig()
	lc.Format = "console"
	lc.Level = cfg.Observability.LogLevel
	logging.Init(lc)

	cfg.Transcription.Provider = *provider
	cfg.Transcription.URL = *streamURL

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, options{
		apiURL:      *apiURL,
		org:         *org,
		encounter:   *encounter,
		micWav:      *micWav,
		ambientWav:  *ambientWav,
		withAmbient: *ambient || *ambientWav != "",
		token:       *token,
		duration:    *duration,
		generate:    *generate,
		template:    *template,
	}); err != nil {
		log.Error().Err(err).Msg("Recording failed")
		os.Exit(1)
	}
}

type options struct {
	apiURL      string
	org         string
	encounter   string
	micWav      string
	ambientWav  string
	withAmbient bool
	token       string
	duration    time.Duration
	generate    bool
	template    string
}

func run(ctx context.Context, cfg *config.Config, o options) error {
	api := client.New(o.apiURL, o.org)
	tr, err := api.GetOrCreateTranscription(ctx, o.encounter)
	if err != nil {
		return fmt.Errorf("open transcription: %w", err)
	}
	log.Info().Str("transcriptionId", tr.ID).Str("encounterId", tr.EncounterID).Msg("Transcription ready")

	capture, closeCapture, err := openCapture(cfg, o)
	if err != nil {
		return err
	}
	defer closeCapture()
	shared := audio.NewSharedSource(capture)
	defer shared.Close()

	dialer, closeDialer, err := app.NewDialer(ctx, cfg.Transcription, cfg.STT)
	if err != nil {
		return err
	}
	defer closeDialer()

	var segments session.SegmentPublisher
	if cfg.Kafka.Enabled {
		pub := events.New(&events.Config{
			Brokers:         cfg.Kafka.Brokers,
			TopicTranscript: cfg.Kafka.TopicTranscript,
			Principal:       cfg.Kafka.Principal,
			Enabled:         true,
		})
		defer pub.Close()
		segments = pub
	}

	scfg := session.DefaultConfig()
	scfg.Constraints.SampleRate = uint32(cfg.Session.SampleRate)
	scfg.SilenceWindow = cfg.Session.SilenceWindow
	scfg.AutosaveDelay = cfg.Session.AutosaveDelay
	scfg.Stream = app.StreamOptions(cfg.Transcription)

	listener := newConsole()
	sess := session.New(*tr, scfg, session.Deps{
		Capture:  capture,
		Ambient:  shared,
		Dialer:   dialer,
		Tokens:   stt.StaticToken(o.token),
		Status:   api,
		Drafts:   api,
		Segments: segments,
		Listener: listener,
	})
	defer sess.Close(context.WithoutCancel(ctx))

	if err := sess.Start(ctx, o.withAmbient); err != nil {
		return explain(err)
	}
	log.Info().Msg("Recording. Press Ctrl-C to stop.")

	var timeout <-chan time.Time
	if o.duration > 0 {
		timeout = time.After(o.duration)
	}
	select {
	case <-ctx.Done():
		_ = sess.Stop(context.WithoutCancel(ctx))
	case <-timeout:
		_ = sess.Stop(ctx)
	case <-sess.Stopped():
	}
	if err := listener.wait(); err != nil {
		return explain(err)
	}

	fmt.Println()
	fmt.Println(sess.Finalized())
	log.Info().Dur("elapsed", sess.Elapsed()).Msg("Recording saved")

	if !o.generate || ctx.Err() != nil {
		return nil
	}
	return requestNote(ctx, api, tr.ID, o.template)
}

func openCapture(cfg *config.Config, o options) (audio.Capture, func(), error) {
	if o.micWav != "" {
		return &wavfile.Source{MicrophonePath: o.micWav, AmbientPath: o.ambientWav, Realtime: true}, func() {}, nil
	}
	c, err := device.New(uint32(cfg.Session.SampleRate))
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func requestNote(ctx context.Context, api *client.Client, transcriptionID, templateID string) error {
	updates, err := api.SubscribeStatus(ctx, transcriptionID)
	if err != nil {
		return err
	}
	jobID, err := api.RequestGeneration(ctx, transcriptionID, templateID, false)
	if errors.Is(err, client.ErrConflict) {
		jobID, err = api.RequestGeneration(ctx, transcriptionID, templateID, true)
	}
	if err != nil {
		return explain(err)
	}
	log.Info().Str("jobId", jobID).Msg("Note generation queued")

	for ev := range updates {
		switch ev.Status {
		case models.StatusCompleted:
			log.Info().Str("noteId", ev.NoteID).Msg("Note ready")
			return nil
		case models.StatusFailed:
			return fmt.Errorf("note generation failed: %s", ev.Error)
		}
	}
	return ctx.Err()
}

// explain turns device, transport and entitlement errors into the message
// shown to the clinician.
func explain(err error) error {
	var denial *entitlement.DenialError
	switch {
	case errors.As(err, &denial) && denial.Reason == entitlement.ReasonQuotaExceeded:
		return fmt.Errorf("note limit reached: %d of %d used this month", denial.Current, denial.Limit)
	case errors.As(err, &denial):
		return fmt.Errorf("not entitled to generate notes: %s", denial.Message)
	case audio.IsDeviceError(err, audio.KindDenied):
		return fmt.Errorf("microphone access was denied: %w", err)
	case audio.IsDeviceError(err, audio.KindRevoked):
		return fmt.Errorf("microphone was disconnected: %w", err)
	case audio.IsDeviceError(err, audio.KindNoAudioTrack):
		return fmt.Errorf("selected source has no audio: %w", err)
	case errors.Is(err, stt.ErrAuthFailed):
		return fmt.Errorf("transcription service rejected the token: %w", err)
	case errors.Is(err, stt.ErrReconnectExhausted):
		return fmt.Errorf("lost connection to the transcription service: %w", err)
	}
	return err
}

// console prints the live transcript and collects the stop outcome.
type console struct {
	stopped chan error
}

func newConsole() *console {
	return &console{stopped: make(chan error, 1)}
}

func (c *console) OnTranscript(display string) {
	fmt.Printf("\r\033[K%s", lastLine(display))
}

func (c *console) OnWarning(err error) {
	log.Warn().Err(err).Msg("Recording degraded")
}

func (c *console) OnStopped(reason string, err error) {
	if err == nil {
		log.Info().Str("reason", reason).Msg("Recording stopped")
	}
	select {
	case c.stopped <- err:
	default:
	}
}

func (c *console) wait() error {
	select {
	case err := <-c.stopped:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("session did not report stop")
	}
}

func lastLine(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
