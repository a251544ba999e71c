package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrAmbientInUse is returned when another owner is mixing the ambient source.
var ErrAmbientInUse = errors.New("ambient source is owned by another session")

// SharedSource retains the ambient stream across sessions until its track
// ends. Only one owner may mix it in at a time.
type SharedSource struct {
	capture Capture

	mu     sync.Mutex
	stream Stream
	owner  string
}

// NewSharedSource creates an empty shared source over c.
func NewSharedSource(c Capture) *SharedSource {
	return &SharedSource{capture: c}
}

// Acquire hands the ambient stream to owner, asking the host for it only if
// no live stream is retained. A stream without an audio track is rejected
// with a KindNoAudioTrack DeviceError.
func (s *SharedSource) Acquire(ctx context.Context, owner string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owner != "" && s.owner != owner {
		return nil, ErrAmbientInUse
	}
	if s.stream != nil && Ended(s.stream) {
		s.dropLocked()
	}
	if s.stream != nil {
		s.owner = owner
		return s.stream, nil
	}

	st, err := s.capture.AcquireAmbient(ctx)
	if err != nil {
		return nil, err
	}
	if !st.HasAudio() {
		_ = st.Close()
		return nil, &DeviceError{Kind: KindNoAudioTrack, Source: "ambient"}
	}
	s.stream = st
	s.owner = owner
	log.Info().Str("owner", owner).Str("label", st.Label()).Msg("Ambient source acquired")
	return st, nil
}

// Retained returns the live retained stream for owner without prompting the
// host. It returns nil when nothing is retained or another owner holds it.
func (s *SharedSource) Retained(owner string) Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || Ended(s.stream) {
		if s.stream != nil {
			s.dropLocked()
		}
		return nil
	}
	if s.owner != "" && s.owner != owner {
		return nil
	}
	s.owner = owner
	return s.stream
}

// Release gives up ownership. The stream stays retained unless it ended.
func (s *SharedSource) Release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return
	}
	s.owner = ""
	if s.stream != nil && Ended(s.stream) {
		s.dropLocked()
	}
}

// Owner returns the current owner, if any.
func (s *SharedSource) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Available reports whether a live ambient stream is retained.
func (s *SharedSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil && !Ended(s.stream)
}

// Close releases the retained stream at process end.
func (s *SharedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	s.owner = ""
	return err
}

func (s *SharedSource) dropLocked() {
	log.Info().Str("label", s.stream.Label()).Msg("Ambient source ended; continuing microphone-only")
	_ = s.stream.Close()
	s.stream = nil
}
