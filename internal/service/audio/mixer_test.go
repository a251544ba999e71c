package audio

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func recv(t *testing.T, s Stream) Frame {
	t.Helper()
	select {
	case f, ok := <-s.Frames():
		if !ok {
			t.Fatal("stream closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func TestMix_PassThroughSingleSource(t *testing.T) {
	mic := NewPipe("mic", true, 4)
	ambient := NewPipe("tab", false, 4)

	m, err := Mix(mic, ambient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Close()

	mic.Write(Frame{1, 2, 3})
	got := recv(t, m)
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("expected pass-through frame, got %v", got)
	}
	if m.Label() != "mic" {
		t.Errorf("expected label mic, got %s", m.Label())
	}
}

func TestMix_NoAudio(t *testing.T) {
	if _, err := Mix(NewPipe("a", false, 1)); !errors.Is(err, ErrNoAudio) {
		t.Errorf("expected ErrNoAudio, got %v", err)
	}
}

func TestMix_SumsWithSaturation(t *testing.T) {
	mic := NewPipe("mic", true, 4)
	ambient := NewPipe("tab", true, 4)

	m, err := Mix(mic, ambient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Close()

	ambient.Write(Frame{10, math.MaxInt16, math.MinInt16})
	mic.Write(Frame{5, 100, -100, 7})

	got := recv(t, m)
	want := Frame{15, math.MaxInt16, math.MinInt16, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestMix_AmbientEndDegradesToMicOnly(t *testing.T) {
	mic := NewPipe("mic", true, 4)
	ambient := NewPipe("tab", true, 4)

	m, _ := Mix(mic, ambient)
	defer m.Close()

	ambient.End()
	mic.Write(Frame{42})
	if got := recv(t, m); got[0] != 42 {
		t.Errorf("expected mic-only frame, got %v", got)
	}
	mic.Write(Frame{43})
	if got := recv(t, m); got[0] != 43 {
		t.Errorf("expected mixing to continue, got %v", got)
	}
}

func TestMix_PrimaryEndClosesOutput(t *testing.T) {
	mic := NewPipe("mic", true, 4)
	m, _ := Mix(mic)

	mic.End()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("expected mixed stream to end with the microphone")
	}
}

func TestMix_CloseLeavesSourcesOpen(t *testing.T) {
	mic := NewPipe("mic", true, 4)
	m, _ := Mix(mic)
	m.Close()

	if Ended(mic) {
		t.Error("closing the mix must not end the microphone")
	}
	if !mic.Write(Frame{1}) {
		t.Error("expected microphone to accept frames after mix closed")
	}

	next, _ := Mix(mic)
	defer next.Close()
	if got := recv(t, next); got[0] != 1 {
		t.Errorf("expected rebuilt mix to continue from buffered audio, got %v", got)
	}
}

type fakeCapture struct {
	ambient   []*Pipe
	calls     int
	ambientEr error
}

func (f *fakeCapture) AcquireMicrophone(context.Context, Constraints) (Stream, error) {
	return NewPipe("mic", true, 4), nil
}

func (f *fakeCapture) AcquireAmbient(context.Context) (Stream, error) {
	f.calls++
	if f.ambientEr != nil {
		return nil, f.ambientEr
	}
	p := f.ambient[0]
	f.ambient = f.ambient[1:]
	return p, nil
}

func TestSharedSource_RetainedAcrossSessions(t *testing.T) {
	first := NewPipe("tab", true, 4)
	c := &fakeCapture{ambient: []*Pipe{first}}
	s := NewSharedSource(c)
	ctx := context.Background()

	got, err := s.Acquire(ctx, "session-1")
	if err != nil || got != first {
		t.Fatalf("unexpected acquire result: %v %v", got, err)
	}
	if _, err := s.Acquire(ctx, "session-2"); !errors.Is(err, ErrAmbientInUse) {
		t.Fatalf("expected ErrAmbientInUse, got %v", err)
	}

	s.Release("session-1")
	if Ended(first) {
		t.Fatal("release must not close the retained stream")
	}
	if got := s.Retained("session-2"); got != first {
		t.Fatal("expected retained stream for the next session")
	}
	if c.calls != 1 {
		t.Errorf("expected host to be asked once, got %d", c.calls)
	}
}

func TestSharedSource_EndedTrackIsDropped(t *testing.T) {
	first := NewPipe("tab", true, 4)
	second := NewPipe("tab-2", true, 4)
	c := &fakeCapture{ambient: []*Pipe{first, second}}
	s := NewSharedSource(c)
	ctx := context.Background()

	_, _ = s.Acquire(ctx, "a")
	first.End()
	s.Release("a")

	if s.Available() {
		t.Error("expected ended stream to be dropped")
	}
	if s.Retained("b") != nil {
		t.Error("expected nothing retained")
	}
	got, err := s.Acquire(ctx, "b")
	if err != nil || got != second {
		t.Errorf("expected a fresh acquisition, got %v %v", got, err)
	}
}

func TestSharedSource_NoAudioTrack(t *testing.T) {
	silent := NewPipe("window", false, 1)
	s := NewSharedSource(&fakeCapture{ambient: []*Pipe{silent}})

	_, err := s.Acquire(context.Background(), "a")
	if !IsDeviceError(err, KindNoAudioTrack) {
		t.Fatalf("expected no_audio_track, got %v", err)
	}
	if !Ended(silent) {
		t.Error("expected the rejected stream to be closed")
	}
	if s.Owner() != "" {
		t.Error("expected no owner after rejection")
	}
}

func TestSharedSource_Declined(t *testing.T) {
	denied := &DeviceError{Kind: KindDenied, Source: "ambient"}
	s := NewSharedSource(&fakeCapture{ambientEr: denied})
	if _, err := s.Acquire(context.Background(), "a"); !IsDeviceError(err, KindDenied) {
		t.Errorf("expected denied, got %v", err)
	}
}

func TestPipe_WriteAfterEnd(t *testing.T) {
	p := NewPipe("mic", true, 1)
	closed := 0
	p.OnClose(func() { closed++ })

	if !p.Write(Frame{1}) {
		t.Fatal("expected write to succeed")
	}
	if p.Write(Frame{2}) {
		t.Error("expected full buffer to drop")
	}
	p.End()
	if p.Write(Frame{3}) {
		t.Error("expected write after end to drop")
	}
	_ = p.Close()
	_ = p.Close()
	if closed != 1 {
		t.Errorf("expected OnClose once, got %d", closed)
	}
}

func TestMixed_DrainReturnsUndeliveredFrames(t *testing.T) {
	mic := NewPipe("mic", true, 8)
	m, err := Mix(mic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := int16(1); i <= 3; i++ {
		mic.Write(Frame{i})
	}
	deadline := time.Now().Add(time.Second)
	for len(m.out) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	got := m.Drain()
	if len(got) != 3 {
		t.Fatalf("expected 3 drained frames, got %d", len(got))
	}
	for i, f := range got {
		if len(f) != 1 || f[0] != int16(i+1) {
			t.Errorf("frame %d: got %v", i, f)
		}
	}
	if again := m.Drain(); len(again) != 0 {
		t.Errorf("expected nothing on a second drain, got %v", again)
	}

	mic.Write(Frame{4})
	if f := recv(t, mic); len(f) != 1 || f[0] != 4 {
		t.Errorf("expected frames after drain to stay in the source, got %v", f)
	}
}

func TestMixed_DrainKeepsFrameBlockedOnSend(t *testing.T) {
	mic := NewPipe("mic", true, mixBuffer+4)
	m, err := Mix(mic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < mixBuffer+1; i++ {
		mic.Write(Frame{int16(i)})
	}
	deadline := time.Now().Add(time.Second)
	for (len(m.out) < mixBuffer || len(mic.frames) > 0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	got := m.Drain()
	if len(got) != mixBuffer+1 {
		t.Fatalf("expected %d frames, got %d", mixBuffer+1, len(got))
	}
	if last := got[len(got)-1]; last[0] != int16(mixBuffer) {
		t.Errorf("expected the blocked frame last, got %v", last)
	}
}
