package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinical-scribe-service/internal/service/audio"
)

type fakeChannel struct {
	mu     sync.Mutex
	sent   [][]byte
	failOn int // Send returns an error once len(sent) reaches failOn; 0 disables
	events chan Event
	err    error
	closed bool
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan Event, 16)}
}

func (f *fakeChannel) Send(_ context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("send on closed channel")
	}
	if f.failOn > 0 && len(f.sent) >= f.failOn {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeChannel) Events() <-chan Event { return f.events }

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.events) })
	return nil
}

// drop simulates an unexpected server-side closure.
func (f *fakeChannel) drop(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.events) })
}

func (f *fakeChannel) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type dialStep struct {
	ch  *fakeChannel
	err error
}

type fakeDialer struct {
	mu     sync.Mutex
	steps  []dialStep
	fail   error // returned once steps are used up
	calls  int
	tokens []string
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, token)
	if len(d.steps) == 0 {
		return nil, d.fail
	}
	s := d.steps[0]
	d.steps = d.steps[1:]
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type countingTokens struct {
	mu sync.Mutex
	n  int
}

func (t *countingTokens) Token(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n++
	return "token-" + string(rune('0'+t.n)), nil
}

type recorder struct {
	mu       sync.Mutex
	partials []string
	finals   []string
	infos    []string
	errs     []error
	failed   chan struct{}
	once     sync.Once
}

func newRecorder() *recorder { return &recorder{failed: make(chan struct{})} }

func (r *recorder) OnPartial(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partials = append(r.partials, text)
}

func (r *recorder) OnFinal(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, text)
}

func (r *recorder) OnInfo(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, msg)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.once.Do(func() { close(r.failed) })
}

func (r *recorder) snapshot() (partials, finals []string, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.partials...), append([]string(nil), r.finals...), append([]error(nil), r.errs...)
}

func fastOptions() Options {
	return Options{
		Provider:      "fake",
		ChunkInterval: 5 * time.Millisecond,
		BaseDelay:     time.Millisecond,
		MaxDelay:      8 * time.Millisecond,
		MaxAttempts:   5,
		SendTimeout:   time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientDeliversEventsInOrder(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{steps: []dialStep{{ch: ch}}}
	rec := newRecorder()
	c := NewClient(d, StaticToken("t"), fastOptions())

	if err := c.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("expected open, got %s", c.State())
	}

	ch.events <- Event{Type: EventTranscript, Text: "hel"}
	ch.events <- Event{Type: EventTranscript, Text: "hello", IsFinal: true}
	ch.events <- Event{Type: EventInfo, Message: "ready"}
	ch.events <- Event{Type: EventTranscript, Text: "world", IsFinal: true}

	waitFor(t, "finals", func() bool {
		_, finals, _ := rec.snapshot()
		return len(finals) == 2
	})
	partials, finals, _ := rec.snapshot()
	if len(partials) != 1 || partials[0] != "hel" {
		t.Errorf("partials = %v", partials)
	}
	if finals[0] != "hello" || finals[1] != "world" {
		t.Errorf("finals = %v", finals)
	}

	c.Stop()
	if c.State() != StateClosed {
		t.Errorf("expected closed after stop, got %s", c.State())
	}
	if c.Err() != nil {
		t.Errorf("clean stop should not record an error: %v", c.Err())
	}
}

func TestClientSendsCapturedAudio(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{steps: []dialStep{{ch: ch}}}
	c := NewClient(d, StaticToken("t"), fastOptions())
	if err := c.Connect(context.Background(), newRecorder()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	src := audio.NewPipe("mic", true, 8)
	c.Attach(src)
	src.Write(audio.Frame{1, -2, 3})
	src.Write(audio.Frame{4})

	waitFor(t, "audio sent", func() bool {
		var n int
		for _, chunk := range ch.sentChunks() {
			n += len(Decode(chunk))
		}
		return n == 4
	})
	if c.State() != StateStreaming {
		t.Errorf("expected streaming, got %s", c.State())
	}
	c.Stop()

	var got []int16
	for _, chunk := range ch.sentChunks() {
		got = append(got, Decode(chunk)...)
	}
	want := []int16{1, -2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("samples = %v, want %v", got, want)
		}
	}
}

func TestClientStopFlushesFinalPartialChunk(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{steps: []dialStep{{ch: ch}}}
	opts := fastOptions()
	opts.ChunkInterval = time.Hour
	c := NewClient(d, StaticToken("t"), opts)
	if err := c.Connect(context.Background(), newRecorder()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	src := audio.NewPipe("mic", true, 8)
	c.Attach(src)
	src.Write(audio.Frame{7, 8})
	time.Sleep(20 * time.Millisecond)
	c.Stop()

	chunks := ch.sentChunks()
	if len(chunks) != 1 {
		t.Fatalf("expected the buffered audio to be sent on stop, got %d chunks", len(chunks))
	}
	if s := Decode(chunks[0]); len(s) != 2 || s[0] != 7 || s[1] != 8 {
		t.Errorf("unexpected final chunk %v", s)
	}
}

func TestReconnectDelaysIncreaseAndStopAtCeiling(t *testing.T) {
	first := newFakeChannel()
	d := &fakeDialer{
		steps: []dialStep{{ch: first}},
		fail:  &CloseError{Code: CloseAbnormal, Reason: "connection refused"},
	}
	rec := newRecorder()
	opts := fastOptions()
	tokens := &countingTokens{}
	c := NewClient(d, tokens, opts)
	if err := c.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first.drop(&CloseError{Code: CloseAbnormal, Reason: "reset"})

	select {
	case <-rec.failed:
	case <-time.After(2 * time.Second):
		t.Fatal("client never gave up")
	}
	<-c.Done()

	if got := d.dialCount(); got != 1+opts.MaxAttempts {
		t.Errorf("expected %d dials, got %d", 1+opts.MaxAttempts, got)
	}
	want := []time.Duration{1, 2, 4, 8, 8}
	delays := c.Delays()
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i, w := range want {
		if delays[i] != w*time.Millisecond {
			t.Errorf("delay %d = %v, want %v", i, delays[i], w*time.Millisecond)
		}
		if i > 0 && delays[i] < delays[i-1] {
			t.Errorf("delay %d decreased", i)
		}
	}

	_, _, errs := rec.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], ErrReconnectExhausted) {
		t.Errorf("expected one exhausted error, got %v", errs)
	}
	if c.State() != StateClosed {
		t.Errorf("expected closed, got %s", c.State())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	seen := map[string]bool{}
	for _, tok := range d.tokens {
		if seen[tok] {
			t.Errorf("token %q reused across dials", tok)
		}
		seen[tok] = true
	}
}

func TestAuthFailureIsNeverRetried(t *testing.T) {
	first := newFakeChannel()
	d := &fakeDialer{steps: []dialStep{{ch: first}}}
	rec := newRecorder()
	c := NewClient(d, StaticToken("t"), fastOptions())
	if err := c.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first.drop(&CloseError{Code: ClosePolicyViolation, Reason: "token expired"})

	select {
	case <-rec.failed:
	case <-time.After(2 * time.Second):
		t.Fatal("auth failure not reported")
	}
	<-c.Done()

	if d.dialCount() != 1 {
		t.Errorf("auth failure retried: %d dials", d.dialCount())
	}
	if len(c.Delays()) != 0 {
		t.Errorf("no backoff expected, got %v", c.Delays())
	}
	if !errors.Is(c.Err(), ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", c.Err())
	}
}

func TestConnectAuthFailureReturned(t *testing.T) {
	d := &fakeDialer{fail: &CloseError{Code: ClosePolicyViolation, Reason: "unauthorized"}}
	c := NewClient(d, StaticToken("bad"), fastOptions())

	err := c.Connect(context.Background(), newRecorder())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("expected closed, got %s", c.State())
	}
	c.Stop()
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	first := newFakeChannel()
	d := &fakeDialer{steps: []dialStep{{ch: first}}}
	opts := fastOptions()
	opts.BaseDelay = time.Hour
	opts.MaxDelay = time.Hour
	rec := newRecorder()
	c := NewClient(d, StaticToken("t"), opts)
	if err := c.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first.drop(&CloseError{Code: CloseAbnormal})
	waitFor(t, "reconnecting", func() bool { return c.State() == StateReconnecting })

	c.Stop()
	if c.State() != StateClosed {
		t.Errorf("expected closed, got %s", c.State())
	}
	if d.dialCount() != 1 {
		t.Errorf("reconnect fired after stop: %d dials", d.dialCount())
	}
	if _, _, errs := rec.snapshot(); len(errs) != 0 {
		t.Errorf("stop must not report an error: %v", errs)
	}
}

func TestReconnectFlushesPendingAudioOnce(t *testing.T) {
	first := newFakeChannel()
	first.failOn = 1
	second := newFakeChannel()
	d := &fakeDialer{steps: []dialStep{{ch: first}, {ch: second}}}
	rec := newRecorder()
	c := NewClient(d, StaticToken("t"), fastOptions())
	if err := c.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	src := audio.NewPipe("mic", true, 8)
	c.Attach(src)
	src.Write(audio.Frame{1})
	waitFor(t, "first chunk", func() bool { return len(first.sentChunks()) == 1 })

	// Sends now fail on the first channel, forcing a reconnect.
	src.Write(audio.Frame{2})
	waitFor(t, "second channel", func() bool { return len(second.sentChunks()) >= 1 })
	src.Write(audio.Frame{3})
	waitFor(t, "third sample", func() bool {
		var n int
		for _, chunk := range second.sentChunks() {
			n += len(Decode(chunk))
		}
		return n == 2
	})
	c.Stop()

	var got []int16
	for _, chunk := range append(first.sentChunks(), second.sentChunks()...) {
		got = append(got, Decode(chunk)...)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("samples across reconnect = %v, want [1 2 3]", got)
	}
	if d.dialCount() != 2 {
		t.Errorf("expected 2 dials, got %d", d.dialCount())
	}
}

func TestServerErrorEventTriggersReconnect(t *testing.T) {
	first := newFakeChannel()
	second := newFakeChannel()
	d := &fakeDialer{steps: []dialStep{{ch: first}, {ch: second}}}
	rec := newRecorder()
	c := NewClient(d, StaticToken("t"), fastOptions())
	if err := c.Connect(context.Background(), rec); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first.events <- Event{Type: EventError, Message: "upstream unavailable"}
	waitFor(t, "reconnect", func() bool { return d.dialCount() == 2 && c.State() == StateOpen })

	second.events <- Event{Type: EventTranscript, Text: "after", IsFinal: true}
	waitFor(t, "final after reconnect", func() bool {
		_, finals, _ := rec.snapshot()
		return len(finals) == 1
	})
	c.Stop()
}

func TestStopBeforeConnectIsRepeatable(t *testing.T) {
	c := NewClient(&fakeDialer{}, StaticToken("t"), fastOptions())

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a client that never connected")
	}
	select {
	case <-c.Done():
	default:
		t.Error("expected Done to be closed")
	}
	if c.State() != StateClosed {
		t.Errorf("expected closed, got %s", c.State())
	}
	if err := c.Connect(context.Background(), newRecorder()); err == nil {
		t.Error("expected Connect after Stop to fail")
	}
}

func TestHotSwapKeepsEverySample(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{steps: []dialStep{{ch: ch}}}
	c := NewClient(d, StaticToken("t"), fastOptions())
	if err := c.Connect(context.Background(), newRecorder()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	const total = 400
	mic := audio.NewPipe("mic", true, total)
	ambient := audio.NewPipe("tab", true, 1)

	mixed, err := audio.Mix(mic)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	c.Attach(mixed)
	for i := 0; i < total; i++ {
		if i == total/2 {
			_ = mixed.Close()
			if mixed, err = audio.Mix(mic, ambient); err != nil {
				t.Fatalf("Mix: %v", err)
			}
			c.Attach(mixed)
		}
		if !mic.Write(audio.Frame{1}) {
			t.Fatalf("frame %d dropped by the microphone", i)
		}
	}

	sent := func() int {
		var n int
		for _, chunk := range ch.sentChunks() {
			n += len(Decode(chunk))
		}
		return n
	}
	waitFor(t, "all samples sent", func() bool { return sent() == total })
	c.Stop()
	_ = mixed.Close()
	if n := sent(); n != total {
		t.Errorf("expected %d samples after stop, got %d", total, n)
	}
}
