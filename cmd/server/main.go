package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/lexiqai/voice-chat/internal/app"
	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/gateway"
	"github.com/lexiqai/voice-chat/internal/observability"
)

const readinessInterval = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("store_dir", cfg.StoreDir).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Chat Service starting")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	// Create HTTP server
	mux := http.NewServeMux()

	// Browser voice connections
	mux.HandleFunc("/ws/voice", gateway.HandleVoiceWS(ctx, gateway.Deps{
		Transcriber:   a.Transcriber,
		Streamer:      a.Streamer,
		Titles:        a.Titles,
		Synthesizer:   a.Synthesizer,
		Chats:         a.Chats,
		SilenceWindow: cfg.SilenceWindow(),
		Logger:        logger,
	}))
	gateway.RegisterChatRoutes(mux, a.Chats, logger)

	// Health and readiness
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(a.ReadinessChecks()...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts; upgraded websockets are not subject
	// to them
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC health service mirroring readiness
	grpcServer := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    30 * time.Second,
		Timeout: 10 * time.Second,
	}))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to listen for gRPC")
	}
	go mirrorReadiness(ctx, healthServer, a.ReadinessChecks(), logger)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	// Start server in a goroutine
	go func() {
		base := cfg.PublicURL
		if base == "" {
			base = fmt.Sprintf("ws://localhost:%s", cfg.Port)
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", base+"/ws/voice").
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Voice connections end with the root context
	stop()
	healthServer.Shutdown()
	grpcServer.GracefulStop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// mirrorReadiness keeps the gRPC health status in line with /ready
func mirrorReadiness(ctx context.Context, hs *health.Server, checks []observability.NamedCheck, logger zerolog.Logger) {
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, ready := observability.RunChecks(checkCtx, checks)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if !ready {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			logger.Info().Str("status", status.String()).Msg("Readiness changed")
			hs.SetServingStatus("", status)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
