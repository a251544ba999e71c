package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clinical-scribe-service/internal/backoff"
	"clinical-scribe-service/internal/observability/logging"
	"clinical-scribe-service/internal/observability/metrics"
	"clinical-scribe-service/internal/service/audio"
)

// Options tunes chunking and reconnection.
type Options struct {
	Provider         string
	SessionID        string
	ChunkInterval    time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	MaxPendingChunks int
	SendTimeout      time.Duration
}

// DefaultOptions returns 250ms chunks and 1s..10s backoff over 5 attempts.
func DefaultOptions() Options {
	return Options{
		Provider:         "websocket",
		ChunkInterval:    250 * time.Millisecond,
		BaseDelay:        time.Second,
		MaxDelay:         10 * time.Second,
		MaxAttempts:      5,
		MaxPendingChunks: 240,
		SendTimeout:      5 * time.Second,
	}
}

type dialResult struct {
	ch  Channel
	err error
}

// Client owns one logical transcription stream across reconnections.
// All channel I/O and callbacks happen on a single goroutine.
type Client struct {
	dialer  Dialer
	tokens  TokenProvider
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	delays []time.Duration
	fatal  error
	source audio.Stream
	// detached sources were replaced by Attach and not yet drained.
	detached []audio.Stream

	swap     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the run goroutine.
	ch       Channel
	cb       Callback
	pending  [][]byte
	attempts int
	retry    *time.Timer
}

// NewClient creates an idle client.
func NewClient(d Dialer, tokens TokenProvider, opts Options) *Client {
	def := DefaultOptions()
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = def.ChunkInterval
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.MaxPendingChunks <= 0 {
		opts.MaxPendingChunks = def.MaxPendingChunks
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	if opts.Provider == "" {
		opts.Provider = def.Provider
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dialer:  d,
		tokens:  tokens,
		opts:    opts,
		metrics: metrics.DefaultMetrics,
		logger:  logging.WithStream(opts.SessionID, opts.Provider),
		ctx:     ctx,
		cancel:  cancel,
		swap:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Delays returns every reconnection delay scheduled so far.
func (c *Client) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// Err returns the fatal error that closed the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Done is closed once the client has fully closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return
	case StateClosing:
		if s != StateClosed {
			return
		}
	}
	c.state = s
}

// Connect opens the first channel. Failures here are returned rather than
// retried; an authentication failure wraps ErrAuthFailed.
func (c *Client) Connect(ctx context.Context, cb Callback) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("transcription client already %s", st)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, c.cancel)
	ch, err := c.dial(c.ctx)
	stop()
	if err != nil {
		c.setState(StateClosed)
		c.cancel()
		close(c.done)
		if IsAuthFailure(err) {
			c.metrics.RecordSTTError(c.opts.Provider, "auth")
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		c.metrics.RecordSTTError(c.opts.Provider, "connect")
		return fmt.Errorf("connect transcription channel: %w", err)
	}

	c.ch = ch
	c.cb = cb
	c.setState(StateOpen)
	c.logger.Info().Msg("Transcription channel open")
	go c.run()
	return nil
}

func (c *Client) dial(ctx context.Context) (Channel, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	return c.dialer.Dial(ctx, token)
}

// drainer is a source that can hand over the frames it buffered but did not
// deliver, such as *audio.Mixed.
type drainer interface {
	Drain() []audio.Frame
}

// Attach sets the audio source. Calling it again hot-swaps the source;
// audio captured but not yet sent is kept, including frames still buffered
// in a replaced source that implements Drain.
func (c *Client) Attach(s audio.Stream) {
	c.mu.Lock()
	if c.source != nil && c.source != s {
		c.detached = append(c.detached, c.source)
	}
	c.source = s
	c.mu.Unlock()
	select {
	case c.swap <- struct{}{}:
	default:
	}
}

// Stop closes the channel cleanly and cancels any pending reconnection. It is
// never followed by a retry.
func (c *Client) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.state = StateClosed
		c.mu.Unlock()
		c.cancel()
		close(c.done)
		return
	case StateClosed:
		c.mu.Unlock()
		<-c.done
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Client) run() {
	defer close(c.done)
	defer c.cancel()

	ticker := time.NewTicker(c.opts.ChunkInterval)
	defer ticker.Stop()

	var (
		frames  <-chan audio.Frame
		samples []int16
		retryC  <-chan time.Time
		dialed  chan dialResult
	)
	events := c.ch.Events()

	// lost handles a dropped channel; it returns false once the client is
	// closed for good.
	lost := func(err error) bool {
		if c.ch != nil {
			_ = c.ch.Close()
			c.ch = nil
		}
		events = nil
		retryC = c.scheduleRetry(err)
		return retryC != nil
	}

	for {
		select {
		case <-c.stop:
			if c.retry != nil {
				c.retry.Stop()
			}
			c.cancel()
			c.mu.Lock()
			detached := c.takeDetachedLocked()
			c.mu.Unlock()
			samples = drain(samples, detached)
			if len(samples) > 0 {
				c.enqueue(encode(samples))
			}
			c.closeClean()
			return

		case <-c.swap:
			c.mu.Lock()
			src := c.source
			detached := c.takeDetachedLocked()
			c.mu.Unlock()
			samples = drain(samples, detached)
			frames = nil
			if src != nil {
				frames = src.Frames()
				c.logger.Debug().Str("source", src.Label()).Msg("Audio source attached")
			}
			if c.ch != nil {
				c.setState(StateStreaming)
			}

		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			samples = append(samples, f...)

		case <-ticker.C:
			if len(samples) > 0 {
				c.enqueue(encode(samples))
				samples = nil
			}
			if c.ch == nil {
				continue
			}
			if err := c.flush(); err != nil {
				c.logger.Warn().Err(err).Msg("Audio send failed")
				if !lost(err) {
					return
				}
			}

		case ev, ok := <-events:
			if !ok {
				err := c.ch.Err()
				if err == nil {
					err = &CloseError{Code: CloseNormal, Reason: "closed by server"}
				}
				c.logger.Warn().Err(err).Msg("Transcription channel closed unexpectedly")
				if !lost(err) {
					return
				}
				continue
			}
			if ev.Type == EventError {
				c.metrics.RecordSTTError(c.opts.Provider, "server")
				c.logger.Warn().Str("message", ev.Message).Msg("Transcription server error")
				if !lost(&CloseError{Code: CloseInternalError, Reason: ev.Message}) {
					return
				}
				continue
			}
			c.dispatch(ev)

		case <-retryC:
			retryC = nil
			dialed = make(chan dialResult, 1)
			go func(out chan<- dialResult) {
				ch, err := c.dial(c.ctx)
				if err == nil && c.ctx.Err() != nil {
					_ = ch.Close()
					err = c.ctx.Err()
				}
				out <- dialResult{ch: ch, err: err}
			}(dialed)

		case r := <-dialed:
			dialed = nil
			if r.err != nil {
				c.metrics.RecordReconnect("failed")
				c.logger.Warn().Err(r.err).Int("attempt", c.attempts).Msg("Reconnection attempt failed")
				retryC = c.scheduleRetry(r.err)
				if retryC == nil {
					return
				}
				continue
			}
			c.metrics.RecordReconnect("succeeded")
			c.logger.Info().Int("attempt", c.attempts).Int("pendingChunks", len(c.pending)).Msg("Transcription channel reconnected")
			c.attempts = 0
			c.ch = r.ch
			events = r.ch.Events()
			if frames != nil {
				c.setState(StateStreaming)
			} else {
				c.setState(StateOpen)
			}
			if err := c.flush(); err != nil {
				if !lost(err) {
					return
				}
			}
		}
	}
}

func (c *Client) takeDetachedLocked() []audio.Stream {
	d := c.detached
	c.detached = nil
	return d
}

// drain appends the undelivered frames of replaced sources to samples.
func drain(samples []int16, sources []audio.Stream) []int16 {
	for _, s := range sources {
		if d, ok := s.(drainer); ok {
			for _, f := range d.Drain() {
				samples = append(samples, f...)
			}
		}
	}
	return samples
}

// scheduleRetry arms the next reconnection attempt, or reports a fatal error
// and returns nil.
func (c *Client) scheduleRetry(cause error) <-chan time.Time {
	if IsAuthFailure(cause) {
		c.metrics.RecordSTTError(c.opts.Provider, "auth")
		c.metrics.RecordReconnect("auth_failed")
		c.fail(fmt.Errorf("%w: %v", ErrAuthFailed, cause))
		return nil
	}
	if c.attempts >= c.opts.MaxAttempts {
		c.metrics.RecordReconnect("exhausted")
		c.fail(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.attempts, cause))
		return nil
	}
	c.attempts++
	delay := backoff.Delay(c.attempts, c.opts.BaseDelay, c.opts.MaxDelay)

	c.mu.Lock()
	c.delays = append(c.delays, delay)
	c.mu.Unlock()
	c.setState(StateReconnecting)
	c.metrics.RecordReconnect("scheduled")
	c.logger.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("Reconnecting transcription channel")

	c.retry = time.NewTimer(delay)
	return c.retry.C
}

func (c *Client) fail(err error) {
	c.logger.Error().Err(err).Msg("Transcription channel failed")
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	c.mu.Lock()
	c.fatal = err
	c.state = StateClosed
	c.mu.Unlock()
	c.cb.OnError(err)
}

func (c *Client) closeClean() {
	if c.ch != nil {
		if err := c.flushWithin(c.opts.SendTimeout); err != nil {
			c.logger.Debug().Err(err).Msg("Final audio flush failed")
		}
		if err := c.ch.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Channel close returned error")
		}
		c.ch = nil
	}
	if n := len(c.pending); n > 0 {
		c.logger.Info().Int("chunks", n).Msg("Discarding unsent audio on stop")
	}
	c.pending = nil
	c.setState(StateClosed)
	c.logger.Info().Msg("Transcription channel closed")
}

func (c *Client) dispatch(ev Event) {
	switch ev.Type {
	case EventTranscript:
		if ev.IsFinal {
			c.metrics.RecordFinalTranscript()
			c.cb.OnFinal(ev.Text)
		} else {
			c.metrics.RecordPartialTranscript()
			c.cb.OnPartial(ev.Text)
		}
	case EventInfo:
		c.cb.OnInfo(ev.Message)
	default:
		c.logger.Debug().Str("type", string(ev.Type)).Msg("Ignoring unknown event")
	}
}

func (c *Client) enqueue(chunk []byte) {
	c.pending = append(c.pending, chunk)
	if over := len(c.pending) - c.opts.MaxPendingChunks; over > 0 {
		c.pending = c.pending[over:]
		for i := 0; i < over; i++ {
			c.metrics.RecordAudioDropped()
		}
	}
}

// flush sends pending chunks in order. A chunk leaves the buffer only after
// a successful send.
func (c *Client) flush() error {
	return c.flushWithin(c.opts.SendTimeout)
}

func (c *Client) flushWithin(timeout time.Duration) error {
	for len(c.pending) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := c.ch.Send(ctx, c.pending[0])
		cancel()
		if err != nil {
			return err
		}
		c.metrics.RecordAudioSent(len(c.pending[0]))
		c.pending = c.pending[1:]
	}
	return nil
}

func encode(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Decode converts a chunk back to samples.
func Decode(chunk []byte) []int16 {
	out := make([]int16, len(chunk)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(chunk[i*2:]))
	}
	return out
}

// IsFatal reports whether err ended the client for good.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrReconnectExhausted)
}
