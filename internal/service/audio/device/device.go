// Package device captures microphone and loopback audio with malgo.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/service/audio"
)

const frameBuffer = 64

// Capture implements audio.Capture over the default host devices.
type Capture struct {
	mu         sync.Mutex
	ctx        *malgo.AllocatedContext
	sampleRate uint32
}

var _ audio.Capture = (*Capture)(nil)

// New initializes the audio context. Call Close when done.
func New(sampleRate uint32) (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Capture{ctx: ctx, sampleRate: sampleRate}, nil
}

// AcquireMicrophone opens the default capture device as 16-bit mono.
// malgo exposes no echo cancellation or noise suppression, so those
// constraints are ignored.
func (c *Capture) AcquireMicrophone(ctx context.Context, cons audio.Constraints) (audio.Stream, error) {
	rate := cons.SampleRate
	if rate == 0 {
		rate = c.sampleRate
	}
	return c.open(ctx, malgo.Capture, "microphone", rate)
}

// AcquireAmbient opens a loopback device capturing system output. Only
// backends with loopback support (WASAPI) provide it; elsewhere the host
// reports it as having no audio track.
func (c *Capture) AcquireAmbient(ctx context.Context) (audio.Stream, error) {
	st, err := c.open(ctx, malgo.Loopback, "ambient", c.sampleRate)
	if err != nil {
		return nil, &audio.DeviceError{Kind: audio.KindNoAudioTrack, Source: "ambient", Err: err}
	}
	return st, nil
}

func (c *Capture) open(ctx context.Context, kind malgo.DeviceType, source string, rate uint32) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil, &audio.DeviceError{Kind: audio.KindUnavailable, Source: source, Err: fmt.Errorf("audio context closed")}
	}

	pipe := audio.NewPipe(source, true, frameBuffer)

	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = rate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pSample []byte, frameCount uint32) {
			pipe.Write(bytesToFrame(pSample, frameCount))
		},
		Stop: func() {
			log.Warn().Str("source", source).Msg("Capture device stopped by host")
			pipe.End()
		},
	}

	dev, err := malgo.InitDevice(c.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, &audio.DeviceError{Kind: audio.KindDenied, Source: source, Err: err}
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, &audio.DeviceError{Kind: audio.KindDenied, Source: source, Err: err}
	}

	pipe.OnClose(func() {
		dev.Uninit()
	})
	log.Info().Str("source", source).Uint32("sampleRate", rate).Msg("Capture device started")
	return pipe, nil
}

// Close releases the audio context.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	if err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	return nil
}

// bytesToFrame converts little-endian S16 samples.
func bytesToFrame(data []byte, frameCount uint32) audio.Frame {
	n := int(frameCount)
	if n*2 > len(data) {
		n = len(data) / 2
	}
	f := make(audio.Frame, n)
	for i := 0; i < n; i++ {
		f[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return f
}
