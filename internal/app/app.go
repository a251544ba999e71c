// Package app wires the service: logger, store, status machine, job queue,
// workers and event publishing.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/config"
	"clinical-scribe-service/internal/events"
	"clinical-scribe-service/internal/models"
	"clinical-scribe-service/internal/observability/logging"
	"clinical-scribe-service/internal/service/entitlement"
	"clinical-scribe-service/internal/service/jobs"
	"clinical-scribe-service/internal/service/notes"
	"clinical-scribe-service/internal/service/status"
	"clinical-scribe-service/internal/store"
	"clinical-scribe-service/internal/store/memory"
	"clinical-scribe-service/internal/store/postgres"
)

const serviceName = "clinical-scribe-service"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Store     store.Store
	Publisher *events.Publisher
	Machine   *status.Machine
	Queue     *jobs.Queue
	Worker    *jobs.Worker

	generator io.Closer
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Clinical scribe service application created")
	return a
}

// setupLogger configures zerolog for the service. ZEROLOG_LOG_LEVEL overrides
// the configured level and ENV=dev selects console output.
func (a *Application) setupLogger() {
	lc := logging.DefaultConfig()
	lc.Level = a.Cfg.Observability.LogLevel
	lc.Format = a.Cfg.Observability.LogFormat
	if envLevel := os.Getenv("ZEROLOG_LOG_LEVEL"); envLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(envLevel)); err == nil {
			lc.Level = strings.ToLower(envLevel)
		}
	}
	if os.Getenv("ENV") == "dev" {
		lc.Format = "console"
	}
	logging.Init(lc)

	a.Logger = log.With().
		Str("service", serviceName).
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

// Start opens the store and builds the queue, the workers and their
// handlers. It does not start the workers.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Clinical scribe service starting")

	st, err := openStore(ctx, a.Cfg.Database)
	if err != nil {
		return err
	}
	a.Store = st

	a.Publisher = events.New(&events.Config{
		Brokers:         a.Cfg.Kafka.Brokers,
		TopicStatus:     a.Cfg.Kafka.TopicStatus,
		TopicJobs:       a.Cfg.Kafka.TopicJobs,
		TopicTranscript: a.Cfg.Kafka.TopicTranscript,
		Principal:       a.Cfg.Kafka.Principal,
		Enabled:         a.Cfg.Kafka.Enabled,
	})
	a.Machine = status.NewMachine(st, status.WithPublisher(a.Publisher))

	var admitter jobs.Admitter
	if a.Cfg.Entitlement.Enabled {
		admitter = entitlement.NewChecker(entitlement.StaticPlans{
			Default:   entitlement.Plan{Active: true, MonthlyLimit: a.Cfg.Entitlement.MonthlyLimit},
			DefaultOK: true,
		}, st)
	}
	a.Queue = jobs.NewQueue(st, st, a.Machine, admitter, jobs.Config{
		MaxAttempts:        a.Cfg.Jobs.MaxAttempts,
		GeneratePriority:   jobs.DefaultConfig().GeneratePriority,
		RegeneratePriority: jobs.DefaultConfig().RegeneratePriority,
	})
	a.Queue.SetPublisher(a.Publisher)

	gen, err := a.newGenerator(ctx)
	if err != nil {
		return err
	}
	handler := notes.NewHandler(st, st, a.Machine, gen)

	a.Worker = jobs.NewWorker(st, jobs.WorkerConfig{
		Workers:        a.Cfg.Jobs.Workers,
		PollInterval:   a.Cfg.Jobs.PollInterval,
		RetryBaseDelay: a.Cfg.Jobs.RetryBaseDelay,
		RetryMaxDelay:  a.Cfg.Jobs.RetryMaxDelay,
		JobTimeout:     a.Cfg.Jobs.JobTimeout,
		LeaseMargin:    a.Cfg.Jobs.LeaseMargin,
	})
	a.Worker.SetPublisher(a.Publisher)
	a.Worker.Register(models.JobGenerateNote, handler)
	a.Worker.Register(models.JobRegenerateNote, handler)
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.URL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return memory.New(), nil
	}
	st, err := postgres.Open(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return st, nil
}

func (a *Application) newGenerator(ctx context.Context) (notes.Generator, error) {
	switch a.Cfg.Notes.Generator {
	case "gemini":
		if a.Cfg.Notes.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini generator")
		}
		g, err := notes.NewGeminiGenerator(ctx, a.Cfg.Notes.GeminiAPIKey, a.Cfg.Notes.GeminiModel)
		if err != nil {
			return nil, err
		}
		a.generator = g
		a.Logger.Info().Str("model", a.Cfg.Notes.GeminiModel).Msg("Using Gemini note generator")
		return g, nil
	case "template", "":
		a.Logger.Info().Msg("Using template note generator")
		return notes.TemplateGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown note generator %q", a.Cfg.Notes.Generator)
	}
}

// Ready reports whether the store is open and reachable.
func (a *Application) Ready(ctx context.Context) error {
	if a.Store == nil {
		return errors.New("store not open")
	}
	if p, ok := a.Store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Clinical scribe service shutting down")
	if a.generator != nil {
		if err := a.generator.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Error closing note generator")
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Error closing event publisher")
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
