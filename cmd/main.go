package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"clinical-scribe-service/internal/app"
	"clinical-scribe-service/internal/config"
	apihttp "clinical-scribe-service/internal/http"
	"clinical-scribe-service/internal/observability"
	"clinical-scribe-service/internal/observability/metrics"
)

const (
	healthServiceAPI    = "clinical.scribe.API"
	healthServiceWorker = "clinical.scribe.NoteWorker"
	shutdownTimeout     = 15 * time.Second
)

func init() {
	serveCmd.Flags().Bool("no-workers", false, "Serve the API without running note job workers")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

var rootCmd = &cobra.Command{
	Use:   "clinical-scribe",
	Short: "Clinical scribe service",
	Long:  `Serves the transcription status API and runs the note generation job workers.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (and job workers unless --no-workers)",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run note generation job workers only",
	RunE:  runWorker,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	noWorkers, _ := cmd.Flags().GetBool("no-workers")
	return run(true, !noWorkers)
}

func runWorker(_ *cobra.Command, _ []string) error {
	return run(false, true)
}

func run(serveAPI, runWorkers bool) error {
	cfg := config.Load()
	application := app.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Application start failed")
		return err
	}
	defer application.Shutdown()

	obs := observability.NewServer(":"+cfg.Service.MetricsPort, application.Ready)
	obs.Start()

	grpcServer, healthServer, err := startGRPC(cfg, serveAPI, runWorkers)
	if err != nil {
		return err
	}

	var httpServer *http.Server
	if serveAPI {
		httpServer = &http.Server{
			Addr:              ":" + cfg.Service.HTTPPort,
			Handler:           apihttp.NewRouter(application),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", httpServer.Addr).Msg("Clinical scribe API started")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server error")
				stop()
			}
		}()
	}

	workersDone := make(chan error, 1)
	if runWorkers {
		go func() { workersDone <- application.Worker.Run(ctx) }()
	} else {
		close(workersDone)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown error")
		}
	}
	if err := <-workersDone; err != nil {
		log.Warn().Err(err).Msg("Job workers stopped with error")
	}
	grpcServer.GracefulStop()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Observability server shutdown error")
	}
	return nil
}

// startGRPC serves the gRPC health service for the orchestrator.
func startGRPC(cfg *config.Config, serveAPI, runWorkers bool) (*grpc.Server, *health.Server, error) {
	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Error().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen")
		return nil, nil, err
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(metrics.DefaultMetrics)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
	)

	// Register gRPC health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	if serveAPI {
		healthServer.SetServingStatus(healthServiceAPI, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	if runWorkers {
		healthServer.SetServingStatus(healthServiceWorker, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(server)

	go func() {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("gRPC health server started")
		if err := server.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC serve failed")
		}
	}()
	return server, healthServer, nil
}
