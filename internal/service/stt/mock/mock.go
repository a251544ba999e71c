// Package mock provides a transcription backend for running without cloud
// credentials. Each utterance produces progressive partials as audio arrives
// and exactly one final.
package mock

import (
	"context"
	"errors"
	"sync"

	"clinical-scribe-service/internal/service/stt"
)

// SimulatedUtterance is one scripted utterance.
type SimulatedUtterance struct {
	Partials []string
	Final    string
}

// DefaultUtterances cycle across channels.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials: []string{"Patient", "Patient reports", "Patient reports three days"},
		Final:    "Patient reports three days of intermittent chest pain.",
	},
	{
		Partials: []string{"No", "No shortness", "No shortness of breath"},
		Final:    "No shortness of breath or palpitations.",
	},
	{
		Partials: []string{"Blood pressure", "Blood pressure today is"},
		Final:    "Blood pressure today is one thirty eight over eighty six.",
	},
	{
		Partials: []string{"Plan", "Plan is to order", "Plan is to order an ECG"},
		Final:    "Plan is to order an ECG and follow up in two weeks.",
	},
}

// Dialer hands out scripted channels.
type Dialer struct {
	// Utterances defaults to DefaultUtterances.
	Utterances []SimulatedUtterance
	// RejectToken makes dials with this token fail authentication.
	RejectToken string
	// RequireToken makes dials with any other token fail authentication.
	RequireToken string
	// DropAfterChunks closes each of the first DropDials channels abnormally
	// after that many audio chunks. Zero disables.
	DropAfterChunks int
	DropDials       int
	// MaxDials makes every later dial fail as unavailable. Zero disables.
	MaxDials int

	mu    sync.Mutex
	next  int
	dials int
}

// New creates a dialer with default utterances.
func New() *Dialer {
	return &Dialer{Utterances: DefaultUtterances}
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) Dial(ctx context.Context, token string) (stt.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if (d.RejectToken != "" && token == d.RejectToken) || (d.RequireToken != "" && token != d.RequireToken) {
		return nil, &stt.CloseError{Code: stt.ClosePolicyViolation, Reason: "invalid token"}
	}
	if d.MaxDials > 0 && d.dials > d.MaxDials {
		return nil, &stt.CloseError{Code: stt.CloseAbnormal, Reason: "backend unavailable"}
	}
	utts := d.Utterances
	if len(utts) == 0 {
		utts = DefaultUtterances
	}
	ch := &Channel{
		utterances: utts,
		index:      d.next,
		events:     make(chan stt.Event, 64),
	}
	d.next++
	if d.DropAfterChunks > 0 && d.dials <= d.DropDials {
		ch.dropAfter = d.DropAfterChunks
	}
	ch.emit(stt.Event{Type: stt.EventInfo, Message: "ready"})
	return ch, nil
}

// Channel advances one partial per audio chunk, then emits the final and
// moves on to the next utterance.
type Channel struct {
	mu         sync.Mutex
	utterances []SimulatedUtterance
	index      int
	partial    int
	chunks     int
	dropAfter  int
	events     chan stt.Event
	closed     bool
	err        error
}

func (c *Channel) Events() <-chan stt.Event { return c.events }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send accepts a chunk and emits the next scripted event.
func (c *Channel) Send(_ context.Context, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("mock channel closed")
	}
	c.chunks++
	if c.dropAfter > 0 && c.chunks > c.dropAfter {
		c.shutdown(&stt.CloseError{Code: stt.CloseAbnormal, Reason: "simulated drop"})
		return c.err
	}

	utt := c.utterances[c.index%len(c.utterances)]
	if c.partial < len(utt.Partials) {
		c.emit(stt.Event{Type: stt.EventTranscript, Text: utt.Partials[c.partial]})
		c.partial++
		return nil
	}
	c.emit(stt.Event{Type: stt.EventTranscript, Text: utt.Final, IsFinal: true})
	c.index++
	c.partial = 0
	return nil
}

// Close ends the channel cleanly.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *Channel) emit(ev stt.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Channel) shutdown(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.events)
}
