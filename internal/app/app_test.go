package app

import (
	"context"
	"testing"
	"time"

	"clinical-scribe-service/internal/config"
	"clinical-scribe-service/internal/service/stt/mock"
	"clinical-scribe-service/internal/service/stt/websocket"
	"clinical-scribe-service/internal/store/memory"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Database.URL = ""
	cfg.Kafka.Enabled = false
	cfg.Notes.Generator = "template"
	return cfg
}

func TestStartWiresInMemoryStack(t *testing.T) {
	a := New(testConfig())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Shutdown()

	if _, ok := a.Store.(*memory.Store); !ok {
		t.Errorf("expected memory store, got %T", a.Store)
	}
	if a.Queue == nil || a.Worker == nil || a.Machine == nil || a.Publisher == nil {
		t.Fatal("application not fully wired")
	}
	if a.StartupTime.IsZero() {
		t.Error("startup time not recorded")
	}
}

func TestStartRejectsUnknownGenerator(t *testing.T) {
	cfg := testConfig()
	cfg.Notes.Generator = "crystal-ball"
	a := New(cfg)
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("expected error for unknown generator")
	}
	a.Shutdown()
}

func TestNewDialer(t *testing.T) {
	cfg := config.Load()

	cfg.Transcription.Provider = "mock"
	d, closeFn, err := NewDialer(context.Background(), cfg.Transcription, cfg.STT)
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, ok := d.(*mock.Dialer); !ok {
		t.Errorf("expected mock dialer, got %T", d)
	}
	_ = closeFn()

	cfg.Transcription.Provider = "websocket"
	d, _, err = NewDialer(context.Background(), cfg.Transcription, cfg.STT)
	if err != nil {
		t.Fatalf("websocket: %v", err)
	}
	if _, ok := d.(*websocket.Dialer); !ok {
		t.Errorf("expected websocket dialer, got %T", d)
	}

	cfg.Transcription.Provider = "carrier-pigeon"
	if _, _, err := NewDialer(context.Background(), cfg.Transcription, cfg.STT); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestStreamOptions(t *testing.T) {
	opts := StreamOptions(config.TranscriptionConfig{
		Provider:             "websocket",
		ReconnectBaseDelay:   2 * time.Second,
		ReconnectMaxAttempts: 3,
	})
	if opts.BaseDelay != 2*time.Second || opts.MaxAttempts != 3 {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.MaxDelay != 10*time.Second || opts.ChunkInterval != 250*time.Millisecond {
		t.Errorf("defaults not kept: %+v", opts)
	}
}
