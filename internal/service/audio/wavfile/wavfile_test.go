package wavfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	scribeaudio "clinical-scribe-service/internal/service/audio"
)

func writeWav(t *testing.T, samples []int, rate, channels int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestLoad_DownmixesStereo(t *testing.T) {
	path := writeWav(t, []int{100, 300, -50, -150}, 16000, 2)

	samples, rate, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rate != 16000 {
		t.Errorf("expected 16000Hz, got %d", rate)
	}
	if len(samples) != 2 || samples[0] != 200 || samples[1] != -100 {
		t.Errorf("unexpected samples %v", samples)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	_ = os.WriteFile(path, []byte("not a wav"), 0o600)
	if _, _, err := Load(path); err == nil {
		t.Error("expected error for invalid file")
	}
}

func TestSource_StreamsAllSamples(t *testing.T) {
	data := make([]int, 1000)
	for i := range data {
		data[i] = i
	}
	src := &Source{MicrophonePath: writeWav(t, data, 8000, 1)}

	st, err := src.AcquireMicrophone(context.Background(), scribeaudio.DefaultConstraints())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer st.Close()

	total := 0
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-st.Frames():
			if !ok {
				if total != 1000 {
					t.Errorf("expected 1000 samples, got %d", total)
				}
				return
			}
			if len(f) > 160 {
				t.Errorf("expected 20ms frames at 8kHz, got %d samples", len(f))
			}
			total += len(f)
		case <-timeout:
			t.Fatal("timed out")
		}
	}
}

func TestSource_AmbientDeclinedWithoutPath(t *testing.T) {
	src := &Source{}
	_, err := src.AcquireAmbient(context.Background())
	if !scribeaudio.IsDeviceError(err, scribeaudio.KindDenied) {
		t.Errorf("expected denied, got %v", err)
	}
}
