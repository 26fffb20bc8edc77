package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/DonTee-Why/logstack/internal/auth"
	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/forward"
	"github.com/DonTee-Why/logstack/internal/health"
	"github.com/DonTee-Why/logstack/internal/masking"
	"github.com/DonTee-Why/logstack/internal/model"
	"github.com/DonTee-Why/logstack/internal/ratelimit"
	"github.com/DonTee-Why/logstack/internal/server"
	"github.com/DonTee-Why/logstack/internal/telemetry"
	"github.com/DonTee-Why/logstack/internal/wal"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LOGSTACK_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("logstack starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry before anything that registers instruments.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// WAL store.
	store, err := wal.NewManager(cfg.WAL, logger)
	if err != nil {
		return fmt.Errorf("wal: %w", err)
	}

	// Auth registry.
	registry := auth.NewRegistry(cfg.Security, logger)
	if len(cfg.Security.APIKeys) == 0 {
		logger.Warn("no API keys configured, all ingest requests will be rejected")
	}

	// Rate limiter.
	limiter := ratelimit.NewBucketLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
	logger.Info("rate limiting: in-process token bucket",
		"rps", cfg.Security.RateLimitRPS, "burst", cfg.Security.RateLimitBurst)

	// Masking engine and validator.
	masker := masking.New(cfg.Masking, logger)
	validator := model.NewValidator(model.Limits{
		EntryBytesMax:       cfg.Validation.EntryBytesMax,
		BatchEntriesMax:     cfg.Validation.BatchEntriesMax,
		BatchBytesMax:       cfg.Validation.BatchBytesMax,
		AllowedLabels:       cfg.Validation.AllowedLabels,
		MaxLabels:           cfg.Validation.MaxLabels,
		MaxLabelValueLength: cfg.Validation.MaxLabelValueLength,
		MaxMetadataDepth:    cfg.Validation.MaxMetadataDepth,
		MaxMessageLength:    model.DefaultLimits().MaxMessageLength,
		MaxServiceLength:    model.DefaultLimits().MaxServiceLength,
		MaxEnvLength:        model.DefaultLimits().MaxEnvLength,
		MaxTraceIDLength:    model.DefaultLimits().MaxTraceIDLength,
		MaxSpanIDLength:     model.DefaultLimits().MaxSpanIDLength,
		MaxIdempotencyKey:   model.DefaultLimits().MaxIdempotencyKey,
	})

	// Forwarder and its scheduler.
	forwarder := forward.New(cfg.Loki, store, logger)
	scheduler := forward.NewScheduler(cfg.ForwardInterval, forwarder, store, logger)
	scheduler.Start()

	// Readiness checks.
	checker := health.NewChecker(cfg.WAL.RootPath, cfg.WAL.DiskFreeMinRatio,
		cfg.Loki.BaseURL, scheduler.Running)

	srv := server.New(server.ServerConfig{
		Registry:            registry,
		Limiter:             limiter,
		Masker:              masker,
		Validator:           validator,
		WAL:                 store,
		Forwarder:           forwarder,
		Scheduler:           scheduler,
		Checker:             checker,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: int64(cfg.Validation.BatchBytesMax) * 2,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: drain HTTP first so in-flight appends land in the
	// WAL, then stop the flush loop, then release the rest.
	slog.Info("logstack shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	scheduler.Stop()

	if err := limiter.Close(); err != nil {
		slog.Warn("limiter close error", "error", err)
	}
	if err := store.Close(); err != nil {
		slog.Warn("wal close error", "error", err)
	}

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := otelShutdown(otelCtx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}
	otelCancel()

	slog.Info("logstack stopped")
	return nil
}
