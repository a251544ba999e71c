// Package segment tracks the utterances of one recording. An utterance opens
// with its first fragment and ends either finalized or dropped; a dropped
// utterance never produces a final.
package segment

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of the current utterance.
type State int

const (
	// StateIdle means no utterance is open.
	StateIdle State = iota
	// StateOpen means interim fragments are arriving.
	StateOpen
	// StateFinal means the last utterance was finalized.
	StateFinal
	// StateDropped means the last utterance was abandoned without a final.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpen:
		return "OPEN"
	case StateFinal:
		return "FINAL"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Tracker assigns utterance ids and final sequence numbers. Safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	prefix  string
	opened  int
	finals  int
	dropped int
	id      string
	state   State
}

// NewTracker creates a tracker whose ids are "<transcriptionID>-seg-N".
func NewTracker(transcriptionID string) *Tracker {
	return &Tracker{prefix: transcriptionID}
}

func (t *Tracker) openLocked() {
	if t.state == StateOpen {
		return
	}
	t.opened++
	t.id = fmt.Sprintf("%s-seg-%d", t.prefix, t.opened)
	t.state = StateOpen
}

// Partial records an interim fragment and returns the utterance id.
func (t *Tracker) Partial() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openLocked()
	return t.id
}

// Final ends the current utterance, opening one for a final that had no
// interim fragments. It returns the utterance id and the 1-based sequence
// number of the final within the recording.
func (t *Tracker) Final() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openLocked()
	t.state = StateFinal
	t.finals++
	return t.id, t.finals
}

// Drop abandons the open utterance. It reports the id and false when no
// utterance was open.
func (t *Tracker) Drop() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return "", false
	}
	t.state = StateDropped
	t.dropped++
	return t.id, true
}

// State returns the state of the current utterance.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Counts returns the number of finalized and dropped utterances.
func (t *Tracker) Counts() (finals, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finals, t.dropped
}
