// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	TimeFormat string
	Writer     io.Writer
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Writer != nil {
		output = cfg.Writer
	}
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.Kitchen,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// WithSession returns a logger with recording session context.
func WithSession(transcriptionID, encounterID string) zerolog.Logger {
	return log.With().
		Str("transcriptionId", transcriptionID).
		Str("encounterId", encounterID).
		Logger()
}

// WithStream returns a logger with transcription channel context.
func WithStream(transcriptionID, provider string) zerolog.Logger {
	return log.With().
		Str("transcriptionId", transcriptionID).
		Str("sttProvider", provider).
		Logger()
}

// WithJob returns a logger with job context.
func WithJob(jobID string, jobType string, attempt int) zerolog.Logger {
	return log.With().
		Str("jobId", jobID).
		Str("jobType", jobType).
		Int("attempt", attempt).
		Logger()
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}
