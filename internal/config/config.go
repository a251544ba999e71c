// Package config loads service configuration from the environment. Values
// that fail to parse fall back to their defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig
	Database      DatabaseConfig
	Kafka         KafkaConfig
	Transcription TranscriptionConfig
	STT           STTConfig
	Session       SessionConfig
	Jobs          JobsConfig
	Notes         NotesConfig
	Entitlement   EntitlementConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	GRPCPort    string
	MetricsPort string
}

// DatabaseConfig selects the store. An empty URL uses the in-memory store.
type DatabaseConfig struct {
	URL string
}

type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	TopicStatus     string
	TopicJobs       string
	TopicTranscript string
	Principal       string
}

// TranscriptionConfig configures the streaming channel and its reconnection.
type TranscriptionConfig struct {
	Provider             string // websocket, google or mock
	URL                  string
	Token                string
	ChunkInterval        time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

// STTConfig holds Google Speech-to-Text settings.
type STTConfig struct {
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	Model          string
}

type SessionConfig struct {
	SilenceWindow time.Duration
	AutosaveDelay time.Duration
	SampleRate    int
}

type JobsConfig struct {
	Workers        int
	PollInterval   time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	JobTimeout     time.Duration
	LeaseMargin    time.Duration
}

type NotesConfig struct {
	Generator    string // template or gemini
	GeminiAPIKey string
	GeminiModel  string
}

type EntitlementConfig struct {
	Enabled      bool
	MonthlyLimit int
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-clinical-scribe")

	return &Config{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Kafka: KafkaConfig{
			Enabled:         envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:         envOrDefaultList("KAFKA_BROKERS", nil),
			TopicStatus:     envOrDefault("KAFKA_TOPIC_STATUS", "transcription.status"),
			TopicJobs:       envOrDefault("KAFKA_TOPIC_JOBS", "note.jobs"),
			TopicTranscript: envOrDefault("KAFKA_TOPIC_TRANSCRIPT", "transcript.final"),
			Principal:       envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Transcription: TranscriptionConfig{
			Provider:             envOrDefault("TRANSCRIPTION_PROVIDER", "mock"),
			URL:                  envOrDefault("TRANSCRIPTION_URL", "ws://localhost:8765/v1/stream"),
			Token:                os.Getenv("TRANSCRIPTION_TOKEN"),
			ChunkInterval:        envOrDefaultDuration("TRANSCRIPTION_CHUNK_INTERVAL", 250*time.Millisecond),
			ReconnectBaseDelay:   envOrDefaultDuration("TRANSCRIPTION_RECONNECT_BASE_DELAY", time.Second),
			ReconnectMaxDelay:    envOrDefaultDuration("TRANSCRIPTION_RECONNECT_MAX_DELAY", 10*time.Second),
			ReconnectMaxAttempts: envOrDefaultInt("TRANSCRIPTION_RECONNECT_MAX_ATTEMPTS", 5),
		},
		STT: STTConfig{
			LanguageCode:   envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults: envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:  envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Model:          os.Getenv("STT_MODEL"),
		},
		Session: SessionConfig{
			SilenceWindow: envOrDefaultDuration("SESSION_SILENCE_WINDOW", 5*time.Minute),
			AutosaveDelay: envOrDefaultDuration("SESSION_AUTOSAVE_DELAY", 500*time.Millisecond),
			SampleRate:    envOrDefaultInt("SESSION_SAMPLE_RATE", 16000),
		},
		Jobs: JobsConfig{
			Workers:        envOrDefaultInt("JOBS_WORKERS", 2),
			PollInterval:   envOrDefaultDuration("JOBS_POLL_INTERVAL", time.Second),
			MaxAttempts:    envOrDefaultInt("JOBS_MAX_ATTEMPTS", 3),
			RetryBaseDelay: envOrDefaultDuration("JOBS_RETRY_BASE_DELAY", 5*time.Second),
			RetryMaxDelay:  envOrDefaultDuration("JOBS_RETRY_MAX_DELAY", 5*time.Minute),
			JobTimeout:     envOrDefaultDuration("JOBS_TIMEOUT", 2*time.Minute),
			LeaseMargin:    envOrDefaultDuration("JOBS_LEASE_MARGIN", 30*time.Second),
		},
		Notes: NotesConfig{
			Generator:    envOrDefault("NOTES_GENERATOR", "template"),
			GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
			GeminiModel:  envOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		},
		Entitlement: EntitlementConfig{
			Enabled:      envOrDefaultBool("ENTITLEMENT_ENABLED", false),
			MonthlyLimit: envOrDefaultInt("ENTITLEMENT_MONTHLY_LIMIT", 100),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
