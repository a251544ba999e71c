// Package stt streams audio to a transcription backend and receives transcript
// events, reconnecting with backoff when the channel drops.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// EventType tags server events.
type EventType string

const (
	EventTranscript EventType = "transcript"
	EventInfo       EventType = "info"
	EventError      EventType = "error"
)

// Event is one server message.
type Event struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	IsFinal bool      `json:"is_final,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Channel is one open streaming connection.
type Channel interface {
	// Send delivers one audio chunk.
	Send(ctx context.Context, chunk []byte) error
	// Events is closed when the channel closes.
	Events() <-chan Event
	// Err returns why the channel closed: nil for a clean close, usually a
	// *CloseError otherwise. Valid once Events is closed.
	Err() error
	// Close closes the channel cleanly.
	Close() error
}

// Dialer opens channels. Authentication failures must be reported as a
// *CloseError with ClosePolicyViolation.
type Dialer interface {
	Dial(ctx context.Context, token string) (Channel, error)
}

// TokenProvider issues the token passed at connect time.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns itself.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Close codes.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// CloseError is a non-clean channel closure.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("channel closed: code %d: %s", e.Code, e.Reason)
}

// IsAuthFailure reports whether err is a policy-violation closure.
func IsAuthFailure(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Code == ClosePolicyViolation
}

var (
	// ErrAuthFailed is fatal and never retried.
	ErrAuthFailed = errors.New("transcription authentication failed")
	// ErrReconnectExhausted is fatal once the attempt ceiling is reached.
	ErrReconnectExhausted = errors.New("transcription reconnection attempts exhausted")
	// ErrNotConnected is returned by operations that need an open client.
	ErrNotConnected = errors.New("transcription client not connected")
)

// Callback receives transcript events in channel order from a single
// goroutine.
type Callback interface {
	OnPartial(text string)
	OnFinal(text string)
	OnInfo(message string)
	// OnError reports a fatal failure. The client is closed afterwards.
	OnError(err error)
}

// State is the client's channel lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateStreaming
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
