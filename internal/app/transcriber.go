package app

import (
	"context"
	"fmt"

	"clinical-scribe-service/internal/config"
	"clinical-scribe-service/internal/service/stt"
	"clinical-scribe-service/internal/service/stt/google"
	"clinical-scribe-service/internal/service/stt/mock"
	"clinical-scribe-service/internal/service/stt/websocket"
)

// NewDialer builds the transcription dialer named by cfg.Provider. The
// returned close function releases provider resources.
func NewDialer(ctx context.Context, cfg config.TranscriptionConfig, sttCfg config.STTConfig) (stt.Dialer, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Provider {
	case "websocket":
		return websocket.NewDialer(cfg.URL), noop, nil
	case "google":
		d, err := google.NewDialer(ctx, google.Config{
			LanguageCode:   sttCfg.LanguageCode,
			SampleRateHz:   int32(sttCfg.SampleRateHz),
			InterimResults: sttCfg.InterimResults,
			AudioEncoding:  sttCfg.AudioEncoding,
			Model:          sttCfg.Model,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case "mock", "":
		return mock.New(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
}

// StreamOptions converts cfg into client options.
func StreamOptions(cfg config.TranscriptionConfig) stt.Options {
	opts := stt.DefaultOptions()
	opts.Provider = cfg.Provider
	if cfg.ChunkInterval > 0 {
		opts.ChunkInterval = cfg.ChunkInterval
	}
	if cfg.ReconnectBaseDelay > 0 {
		opts.BaseDelay = cfg.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay > 0 {
		opts.MaxDelay = cfg.ReconnectMaxDelay
	}
	if cfg.ReconnectMaxAttempts > 0 {
		opts.MaxAttempts = cfg.ReconnectMaxAttempts
	}
	return opts
}
