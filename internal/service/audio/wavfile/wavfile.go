// Package wavfile plays WAV files as capture streams in real time.
package wavfile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog/log"

	scribeaudio "clinical-scribe-service/internal/service/audio"
)

// FrameDuration is the pacing interval of emitted frames.
const FrameDuration = 20 * time.Millisecond

// Source implements audio.Capture by reading files. AmbientPath may be empty,
// in which case ambient acquisition is declined.
type Source struct {
	MicrophonePath string
	AmbientPath    string
	// Realtime paces frames at FrameDuration; otherwise frames are emitted
	// as fast as the consumer reads them.
	Realtime bool
}

var _ scribeaudio.Capture = (*Source)(nil)

func (s *Source) AcquireMicrophone(ctx context.Context, _ scribeaudio.Constraints) (scribeaudio.Stream, error) {
	return s.open(ctx, s.MicrophonePath, "microphone")
}

func (s *Source) AcquireAmbient(ctx context.Context) (scribeaudio.Stream, error) {
	if s.AmbientPath == "" {
		return nil, &scribeaudio.DeviceError{Kind: scribeaudio.KindDenied, Source: "ambient"}
	}
	return s.open(ctx, s.AmbientPath, "ambient")
}

func (s *Source) open(ctx context.Context, path, source string) (scribeaudio.Stream, error) {
	samples, rate, err := Load(path)
	if err != nil {
		return nil, &scribeaudio.DeviceError{Kind: scribeaudio.KindUnavailable, Source: source, Err: err}
	}
	perFrame := int(rate) * int(FrameDuration) / int(time.Second)
	if perFrame <= 0 {
		perFrame = len(samples)
	}

	pipe := scribeaudio.NewPipe(source, len(samples) > 0, 8)
	stop := make(chan struct{})
	pipe.OnClose(func() { close(stop) })

	go func() {
		defer pipe.End()
		var ticker *time.Ticker
		if s.Realtime {
			ticker = time.NewTicker(FrameDuration)
			defer ticker.Stop()
		}
		for off := 0; off < len(samples); off += perFrame {
			end := off + perFrame
			if end > len(samples) {
				end = len(samples)
			}
			frame := scribeaudio.Frame(samples[off:end])
			if ticker != nil {
				select {
				case <-ticker.C:
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
				pipe.Write(frame)
				continue
			}
			if !writeBlocking(pipe, frame, stop) {
				return
			}
		}
		log.Debug().Str("source", source).Str("path", path).Msg("WAV source finished")
	}()
	return pipe, nil
}

// writeBlocking retries until the frame is accepted or stop closes.
func writeBlocking(p *scribeaudio.Pipe, f scribeaudio.Frame, stop <-chan struct{}) bool {
	for !p.Write(f) {
		select {
		case <-stop:
			return false
		case <-time.After(time.Millisecond):
		}
	}
	return true
}

// Load decodes a PCM WAV file into mono 16-bit samples.
func Load(path string) ([]int16, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s: not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: decode: %w", path, err)
	}
	return toMono16(buf, int(dec.BitDepth)), dec.SampleRate, nil
}

func toMono16(buf *audio.IntBuffer, bitDepth int) []int16 {
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	shift := bitDepth - 16
	out := make([]int16, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i+c]
		}
		v := sum / channels
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		out = append(out, int16(v))
	}
	return out
}
