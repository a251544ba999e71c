// Package websocket dials the transcription backend over a websocket. Audio
// goes up as binary frames and events come back as JSON text frames.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"clinical-scribe-service/internal/observability/logging"
	"clinical-scribe-service/internal/service/stt"
)

const (
	eventBuffer  = 64
	closeTimeout = time.Second
)

// Dialer opens channels against a ws:// or wss:// endpoint. The token is
// passed as the "token" query parameter.
type Dialer struct {
	URL    string
	Header http.Header
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewDialer creates a dialer for endpoint.
func NewDialer(endpoint string) *Dialer {
	return &Dialer{
		URL: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logging.WithComponent("stt-websocket"),
	}
}

// Dial implements stt.Dialer. A 401 or 403 handshake response is reported
// as a policy-violation closure.
func (d *Dialer) Dial(ctx context.Context, token string) (stt.Channel, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse transcription url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &stt.CloseError{Code: stt.ClosePolicyViolation, Reason: resp.Status}
		}
		return nil, &stt.CloseError{Code: stt.CloseAbnormal, Reason: err.Error()}
	}

	ch := &Channel{
		conn:   conn,
		events: make(chan stt.Event, eventBuffer),
		done:   make(chan struct{}),
		logger: d.logger,
	}
	go ch.readLoop()
	return ch, nil
}

// Channel is one websocket connection.
type Channel struct {
	conn   *websocket.Conn
	events chan stt.Event
	logger zerolog.Logger

	writeMu sync.Mutex
	done    chan struct{}

	mu      sync.Mutex
	closing bool
	err     error
}

func (c *Channel) Events() <-chan stt.Event { return c.events }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes one binary audio frame.
func (c *Channel) Send(ctx context.Context, chunk []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// Close sends a normal close frame and tears the connection down.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stop")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Channel) readLoop() {
	defer close(c.events)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var ev stt.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed event")
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.err = &stt.CloseError{Code: ce.Code, Reason: ce.Text}
		return
	}
	c.err = &stt.CloseError{Code: stt.CloseAbnormal, Reason: err.Error()}
}
