// Package audio acquires capture streams and mixes them into the single PCM
// stream a recording session sends for transcription.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Frame is a block of mono signed 16-bit PCM samples.
type Frame []int16

// Stream is a live capture track.
type Stream interface {
	// Frames is closed when the track ends.
	Frames() <-chan Frame
	// Done is closed when the track ends, including host revocation.
	Done() <-chan struct{}
	// HasAudio reports whether the stream carries an audio track at all.
	HasAudio() bool
	Label() string
	Close() error
}

// Constraints are the requested microphone properties.
type Constraints struct {
	SampleRate       uint32
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultConstraints returns 16kHz mono with processing enabled.
func DefaultConstraints() Constraints {
	return Constraints{SampleRate: 16000, EchoCancellation: true, NoiseSuppression: true}
}

// Capture acquires streams from the host.
type Capture interface {
	AcquireMicrophone(ctx context.Context, c Constraints) (Stream, error)
	// AcquireAmbient is user driven and may be declined or return a stream
	// without an audio track.
	AcquireAmbient(ctx context.Context) (Stream, error)
}

// DeviceErrorKind distinguishes device failures shown to the user.
type DeviceErrorKind string

const (
	KindDenied       DeviceErrorKind = "denied"
	KindNoAudioTrack DeviceErrorKind = "no_audio_track"
	KindRevoked      DeviceErrorKind = "revoked"
	KindUnavailable  DeviceErrorKind = "unavailable"
)

// DeviceError reports a capture failure.
type DeviceError struct {
	Kind   DeviceErrorKind
	Source string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s capture %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s capture %s", e.Source, e.Kind)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err is a *DeviceError of kind.
func IsDeviceError(err error, kind DeviceErrorKind) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Kind == kind
}

// Ended reports whether s has ended without blocking.
func Ended(s Stream) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Pipe is a Stream fed by a producer such as a device callback. Writes never
// block; a full buffer drops the frame.
type Pipe struct {
	label    string
	hasAudio bool
	frames   chan Frame
	done     chan struct{}
	onClose  func()

	mu        sync.Mutex
	ended     bool
	closeOnce sync.Once
}

// NewPipe creates a pipe buffering up to buffer frames.
func NewPipe(label string, hasAudio bool, buffer int) *Pipe {
	return &Pipe{
		label:    label,
		hasAudio: hasAudio,
		frames:   make(chan Frame, buffer),
		done:     make(chan struct{}),
	}
}

// OnClose registers fn to run once when the pipe is closed by its consumer.
func (p *Pipe) OnClose(fn func()) { p.onClose = fn }

// Write offers f to the consumer. It reports false when f was dropped.
func (p *Pipe) Write(f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return false
	}
	select {
	case p.frames <- f:
		return true
	default:
		return false
	}
}

// End marks the track ended. Buffered frames remain readable.
func (p *Pipe) End() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.ended = true
	close(p.frames)
	close(p.done)
}

func (p *Pipe) Frames() <-chan Frame  { return p.frames }
func (p *Pipe) Done() <-chan struct{} { return p.done }
func (p *Pipe) HasAudio() bool        { return p.hasAudio }
func (p *Pipe) Label() string         { return p.label }

// Close ends the track and releases the producer.
func (p *Pipe) Close() error {
	p.End()
	p.closeOnce.Do(func() {
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}
