package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/preetecool/archimed/internal/config"
	"github.com/preetecool/archimed/internal/connection"
	"github.com/preetecool/archimed/internal/inference"
	"github.com/preetecool/archimed/internal/metrics"
	"github.com/preetecool/archimed/internal/pipeline"
	"github.com/preetecool/archimed/internal/server"
	"github.com/preetecool/archimed/internal/session"
	"github.com/preetecool/archimed/internal/streaming"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "archimed"
	serviceVersion    = "1.0.0"
)

func main() {
	// Optional .env for local development; production uses real env vars.
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("note_endpoint", cfg.NoteGen.Endpoint),
		slog.Int("streaming_interval", cfg.Streaming.Interval),
		slog.Int("streaming_min_bytes", cfg.Streaming.MinBytes),
		slog.Int("inactivity_timeout", cfg.Connection.InactivityTimeout),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	transcriber, err := inference.NewTranscriberClient(inference.TranscriberConfig{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Timeout:       cfg.Transcription.GetTimeout(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	noteGen, err := inference.NewNoteGeneratorClient(inference.NoteGeneratorConfig{
		Endpoint: cfg.NoteGen.Endpoint,
		APIKey:   cfg.NoteGen.APIKey,
		Timeout:  cfg.NoteGen.GetTimeout(),
	})
	if err != nil {
		logger.Error("Failed to create note generation client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := session.NewRegistry(logger)
	registry.OnSweep(appMetrics.RecordSessionsSwept)
	registry.OnTerminal(func(lifetime time.Duration) {
		appMetrics.RecordSessionDuration(lifetime.Seconds())
	})

	streams := streaming.NewStore(transcriber, streaming.Config{
		Interval:       cfg.Streaming.GetInterval(),
		MinBytes:       cfg.Streaming.MinBytes,
		MinResultChars: cfg.Streaming.MinResultChars,
		PassTimeout:    cfg.Streaming.GetPassTimeout(),
	}, logger)
	streams.OnPass(appMetrics.RecordStreamingPass)

	conns := connection.NewManager(connection.Config{
		InactivityTimeout: cfg.Connection.GetInactivityTimeout(),
		SweepInterval:     cfg.Connection.GetSweepInterval(),
		PingInterval:      cfg.Connection.GetPingInterval(),
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetrySpacing:      cfg.Connection.GetRetrySpacing(),
	}, logger)
	conns.OnEvict(appMetrics.RecordConnectionEvicted)

	finalizer := pipeline.NewFinalizer(registry, streams, conns, transcriber, noteGen,
		pipeline.Config{
			NoteTimeout:       cfg.Session.GetNoteTimeout(),
			FullPassTimeout:   cfg.Session.GetFullPassTimeout(),
			HeartbeatInterval: cfg.Session.GetHeartbeatInterval(),
		}, logger, appMetrics)

	// Background housekeeping: inactive connection eviction, aged session
	// sweep and the stuck-processing watchdog.
	go conns.RunInactivitySweeper(ctx)
	go registry.RunSweeper(ctx, cfg.Session.GetSweepInterval(), cfg.Session.GetMaxAge())
	go registry.RunProcessingWatchdog(ctx, cfg.Session.GetWatchdogInterval(), cfg.Session.GetProcessingTimeout())

	srv := server.NewServer(cfg, logger, registry, streams, conns, finalizer, noteGen, appMetrics)
	srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	cancel()
	conns.CloseAll()

	stats := transcriber.GetStats()
	transcriber.Close()

	logger.Info("Final statistics",
		slog.Int("sessions", registry.Count()),
		slog.Int("streaming_buffers", streams.Count()),
		slog.Uint64("transcription_requests", stats.TotalRequests),
		slog.Float64("transcription_success_rate", stats.SuccessRate),
		slog.Uint64("transcription_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
