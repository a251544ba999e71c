// Package google streams audio to Google Cloud Speech-to-Text.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"clinical-scribe-service/internal/service/stt"
)

// Config holds recognition settings.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
	Model          string
}

// DefaultConfig returns 16kHz LINEAR16 en-US with interim results.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// Dialer opens streaming recognition calls. Credentials come from the
// environment, so the per-dial token is unused.
type Dialer struct {
	client *speech.Client
	cfg    Config
}

// NewDialer creates a Speech client.
// Requires GOOGLE_APPLICATION_CREDENTIALS or another ADC source.
func NewDialer(ctx context.Context, cfg Config) (*Dialer, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Dialer{client: c, cfg: cfg}, nil
}

// Close releases the underlying client.
func (d *Dialer) Close() error {
	return d.client.Close()
}

// Dial starts a streaming call and sends the recognition config.
func (d *Dialer) Dial(ctx context.Context, _ string) (stt.Channel, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := d.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return nil, closeErrorFor(err)
	}
	if err := stream.Send(configRequest(d.cfg)); err != nil {
		cancel()
		return nil, closeErrorFor(err)
	}

	ch := &Channel{
		stream: stream,
		cancel: cancel,
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}
	go ch.recvLoop()
	return ch, nil
}

func configRequest(cfg Config) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   parseAudioEncoding(cfg.AudioEncoding),
					SampleRateHertz:            cfg.SampleRateHz,
					LanguageCode:               cfg.LanguageCode,
					Model:                      cfg.Model,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}
}

// parseAudioEncoding maps an encoding name to the API enum, falling back to
// LINEAR16.
func parseAudioEncoding(enc string) speechpb.RecognitionConfig_AudioEncoding {
	switch enc {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// closeErrorFor maps a gRPC failure onto a channel close code.
func closeErrorFor(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return &stt.CloseError{Code: stt.ClosePolicyViolation, Reason: err.Error()}
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
		return &stt.CloseError{Code: stt.CloseAbnormal, Reason: err.Error()}
	default:
		return &stt.CloseError{Code: stt.CloseInternalError, Reason: err.Error()}
	}
}

// toEvents converts a response into transcript events, one per result.
func toEvents(resp *speechpb.StreamingRecognizeResponse) []stt.Event {
	var out []stt.Event
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		out = append(out, stt.Event{
			Type:    stt.EventTranscript,
			Text:    r.GetAlternatives()[0].GetTranscript(),
			IsFinal: r.GetIsFinal(),
		})
	}
	return out
}

// Channel is one StreamingRecognize call.
type Channel struct {
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	events chan stt.Event
	done   chan struct{}

	sendMu sync.Mutex

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

func (c *Channel) Send(_ context.Context, chunk []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
	if err != nil {
		return closeErrorFor(err)
	}
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	close(c.done)
	c.mu.Unlock()

	c.sendMu.Lock()
	err := c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	return err
}

func (c *Channel) recvLoop() {
	defer close(c.events)
	for {
		resp, err := c.stream.Recv()
		if err != nil {
			c.mu.Lock()
			if !c.closing && !errors.Is(err, io.EOF) {
				c.err = closeErrorFor(err)
			} else if !c.closing {
				c.err = &stt.CloseError{Code: stt.CloseNormal, Reason: "stream ended"}
			}
			c.mu.Unlock()
			return
		}
		if e := resp.GetError(); e != nil && e.GetCode() != 0 {
			c.mu.Lock()
			if !c.closing {
				c.err = closeErrorFor(status.ErrorProto(e))
			}
			c.mu.Unlock()
			return
		}
		for _, ev := range toEvents(resp) {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}
