package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Envelope is a consumed event with its routing metadata.
type Envelope struct {
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	EventType string          `json:"eventType"`
	Principal string          `json:"principal,omitempty"`
	Time      time.Time       `json:"time"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode reads the headers written by Publisher. Payloads that are not JSON
// are quoted as strings.
func Decode(m kafka.Message) Envelope {
	env := Envelope{
		Topic: m.Topic,
		Key:   string(m.Key),
		Time:  m.Time,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case "eventType":
			env.EventType = string(h.Value)
		case "principal":
			env.Principal = string(h.Value)
		}
	}
	if json.Valid(m.Value) {
		env.Payload = m.Value
	} else {
		env.Payload, _ = json.Marshal(string(m.Value))
	}
	return env
}

// Tail reads partition 0 of topic starting lookback ago and calls fn for
// every message until ctx is done.
func Tail(ctx context.Context, brokers []string, topic string, lookback time.Duration, fn func(Envelope)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-lookback)); err != nil {
		return err
	}
	log.Info().Str("topic", topic).Dur("lookback", lookback).Msg("Tailing Kafka topic")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka read error")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		fn(Decode(msg))
	}
}
