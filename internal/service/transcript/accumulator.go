// Package transcript merges final and interim transcript fragments into the
// text shown to the clinician and saved with the transcription.
package transcript

import (
	"strings"
	"sync"
)

// Accumulator holds the finalized text and the current interim utterance.
// Only finalized text is ever persisted.
type Accumulator struct {
	mu        sync.Mutex
	finalized string
	interim   string
	segments  int

	onFinal  func(segment string)
	onChange func(display string)
}

// New returns an accumulator seeded with previously saved text.
func New(saved string) *Accumulator {
	return &Accumulator{finalized: saved}
}

// OnFinal registers the "final segment available" listener.
func (a *Accumulator) OnFinal(fn func(segment string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFinal = fn
}

// OnChange registers a listener for every change of the displayed text.
func (a *Accumulator) OnChange(fn func(display string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// ApplyInterim replaces the interim utterance.
func (a *Accumulator) ApplyInterim(text string) {
	a.mu.Lock()
	a.interim = strings.TrimSpace(text)
	display, onChange := a.displayLocked(), a.onChange
	a.mu.Unlock()

	if onChange != nil {
		onChange(display)
	}
}

// ApplyFinal appends a final fragment and clears the interim utterance.
// Empty fragments only clear the interim.
func (a *Accumulator) ApplyFinal(text string) {
	text = strings.TrimSpace(text)

	a.mu.Lock()
	a.interim = ""
	if text != "" {
		if a.finalized == "" {
			a.finalized = text
		} else {
			a.finalized += "\n" + text
		}
		a.segments++
	}
	display, onChange, onFinal := a.displayLocked(), a.onChange, a.onFinal
	a.mu.Unlock()

	if onChange != nil {
		onChange(display)
	}
	if text != "" && onFinal != nil {
		onFinal(text)
	}
}

// Edit replaces the finalized text with a manual edit and drops the interim
// utterance, so a stale interim never reappears over the edit.
func (a *Accumulator) Edit(text string) {
	a.mu.Lock()
	a.finalized = text
	a.interim = ""
	display, onChange := a.displayLocked(), a.onChange
	a.mu.Unlock()

	if onChange != nil {
		onChange(display)
	}
}

// Finalized returns the text that may be persisted.
func (a *Accumulator) Finalized() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized
}

func (a *Accumulator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// Display returns finalized text followed by the interim utterance.
func (a *Accumulator) Display() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.displayLocked()
}

// Segments returns the number of finals applied since creation.
func (a *Accumulator) Segments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.segments
}

func (a *Accumulator) displayLocked() string {
	switch {
	case a.interim == "":
		return a.finalized
	case a.finalized == "":
		return a.interim
	default:
		return a.finalized + "\n" + a.interim
	}
}
