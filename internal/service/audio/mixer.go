package audio

import (
	"errors"
	"math"
	"sync"
)

// ErrNoAudio is returned by Mix when no source carries an audio track.
var ErrNoAudio = errors.New("no source carries audio")

const (
	mixBuffer = 16
	// maxPending bounds buffered secondary samples (two seconds at 16kHz).
	maxPending = 32000
)

// Mixed is the output of Mix. Closing it stops the mixing goroutine but
// leaves the sources open; they belong to the caller.
type Mixed struct {
	label string
	out   chan Frame
	done  chan struct{}
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	// held is a mixed frame the goroutine had not delivered when stopped.
	held Frame
}

type secondary struct {
	src     Stream
	pending []int16
	ended   bool
}

// Mix merges streams into one. The first audio-carrying stream is the
// primary and drives the output clock; the others are summed into it with
// saturation. With a single audio source the output passes frames through
// unchanged. Secondary sources that end are dropped and mixing continues.
func Mix(streams ...Stream) (*Mixed, error) {
	var sources []Stream
	for _, s := range streams {
		if s != nil && s.HasAudio() {
			sources = append(sources, s)
		}
	}
	if len(sources) == 0 {
		return nil, ErrNoAudio
	}

	m := &Mixed{
		label: sources[0].Label(),
		out:   make(chan Frame, mixBuffer),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	var others []*secondary
	for _, s := range sources[1:] {
		m.label += "+" + s.Label()
		discardBacklog(s)
		others = append(others, &secondary{src: s})
	}

	m.wg.Add(1)
	go m.run(sources[0], others)
	return m, nil
}

// discardBacklog drops frames a retained source captured while unused.
func discardBacklog(s Stream) {
	for {
		select {
		case _, ok := <-s.Frames():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (m *Mixed) run(primary Stream, others []*secondary) {
	defer m.wg.Done()
	defer close(m.done)
	defer close(m.out)

	for {
		select {
		case <-m.stop:
			return
		case f, ok := <-primary.Frames():
			if !ok {
				return
			}
			if len(others) > 0 {
				f = mixInto(f, others)
				others = live(others)
			}
			select {
			case m.out <- f:
			case <-m.stop:
				m.held = f
				return
			}
		}
	}
}

func live(others []*secondary) []*secondary {
	kept := others[:0]
	for _, o := range others {
		if !o.ended || len(o.pending) > 0 {
			kept = append(kept, o)
		}
	}
	return kept
}

func mixInto(f Frame, others []*secondary) Frame {
	acc := make([]int32, len(f))
	for i, s := range f {
		acc[i] = int32(s)
	}
	for _, o := range others {
		o.fill()
		n := len(o.pending)
		if n > len(acc) {
			n = len(acc)
		}
		for i := 0; i < n; i++ {
			acc[i] += int32(o.pending[i])
		}
		o.pending = o.pending[n:]
	}
	out := make(Frame, len(acc))
	for i, v := range acc {
		out[i] = saturate(v)
	}
	return out
}

func (o *secondary) fill() {
	for !o.ended {
		select {
		case f, ok := <-o.src.Frames():
			if !ok {
				o.ended = true
				return
			}
			o.pending = append(o.pending, f...)
			if over := len(o.pending) - maxPending; over > 0 {
				o.pending = o.pending[over:]
			}
		default:
			return
		}
	}
}

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func (m *Mixed) Frames() <-chan Frame  { return m.out }
func (m *Mixed) Done() <-chan struct{} { return m.done }
func (m *Mixed) HasAudio() bool        { return true }
func (m *Mixed) Label() string         { return m.label }

// Close stops mixing and waits for the goroutine to exit.
func (m *Mixed) Close() error {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}

// Drain closes m and returns, in order, every mixed frame not yet read from
// Frames. Primary frames the mixer never read stay in the primary source.
// Drain must not run concurrently with a reader of Frames.
func (m *Mixed) Drain() []Frame {
	_ = m.Close()
	var out []Frame
	for f := range m.out {
		out = append(out, f)
	}
	if m.held != nil {
		out = append(out, m.held)
		m.held = nil
	}
	return out
}
