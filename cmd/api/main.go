// Package main is the entry point for the seatsync API server.
//
// It loads the configuration, opens the Postgres pool, wires the billing
// engine (Seat Manager, Webhook Ingestor, pending-change Applier) behind the
// core chassis and serves HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"seatsync/internal/api/handlers"
	"seatsync/internal/auth"
	"seatsync/internal/billing"
	"seatsync/internal/config"
	"seatsync/internal/core"
	"seatsync/internal/db"
	"seatsync/internal/external"
	"seatsync/internal/metrics"
	"seatsync/internal/queue"
	"seatsync/internal/scheduler"
	"seatsync/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	ctx := context.Background()

	var secrets config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		secrets = config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	}
	cfg, err := config.LoadConfig(secrets)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("seatsync API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return fmt.Errorf("applying migrations: %w", err)
		}
	}

	deps, err := wireDependencies(ctx, cfg, pool, logger)
	if err != nil {
		pool.Close()
		return err
	}

	srv, err := buildServer(cfg, deps, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	return runHTTPServer(srv, cfg, logger)
}

// dependencies are the collaborators the HTTP surface needs. Production
// values come from wireDependencies; tests substitute fakes.
type dependencies struct {
	Seats              handlers.SeatService
	Occupancy          handlers.OccupancyCounter
	Ingestor           handlers.WebhookIngestor
	Applier            handlers.PendingApplier
	Reprocessor        handlers.EventReprocessor
	ProviderConfigured bool

	Authenticator core.Authenticator
	Idempotency   core.IdempotencyStore
	Metrics       core.MetricsCollector
	HealthProbes  []core.HealthProbe
	Closers       []io.Closer
	Clock         types.Clock
}

// wireDependencies builds the repositories, provider clients and services.
func wireDependencies(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*dependencies, error) {
	clock := types.RealClock{}

	subs := db.NewSubscriptionRepository(pool)
	events := db.NewBillingEventRepository(pool)
	keys := db.NewAPIKeyRepository(pool)
	idem := db.NewIdempotencyRepository(pool)
	runs := db.NewApplierRunRepository(pool)
	occupancy := db.NewOccupancyRepository(pool)

	classifier, err := billing.NewStaticClassifier(cfg.Billing.MonthlyVariantIDs, cfg.Billing.YearlyVariantIDs)
	if err != nil {
		return nil, fmt.Errorf("building variant classifier: %w", err)
	}

	registry := external.NewClientRegistry(cfg, logger)

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	var publisher billing.SeatEventPublisher
	if cfg.AWS.SeatEventsQueueURL != "" {
		publisher = queue.NewSeatEventPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
	} else {
		logger.Warn("SQS_SEAT_EVENTS_URL not set; seat change events will not be published")
	}

	var billingMetrics billing.Metrics
	var applierMetrics scheduler.ApplierMetrics
	var requestMetrics core.MetricsCollector
	if cfg.Observability.EnableMetrics {
		recorder := metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
		billingMetrics, applierMetrics, requestMetrics = recorder, recorder, recorder
	}

	seats := billing.NewSeatManager(subs, registry.Billing, publisher, billingMetrics, clock, logger)
	ingestor := billing.NewIngestor(registry.Webhooks, events, subs, classifier, publisher, billingMetrics, clock,
		billing.IngestorConfig{ClaimTTL: cfg.Billing.WebhookClaimTTL}, logger)
	applier := scheduler.NewApplier(subs, seats, runs, applierMetrics, scheduler.ApplierConfig{
		BatchLimit:  cfg.Cron.ApplierBatchLimit,
		Concurrency: cfg.Cron.ApplierConcurrency,
		Trigger:     "cron_http",
	}, logger)
	reprocessor := scheduler.NewFailedEventReprocessor(ingestor, cfg.Cron.ReprocessBatchLimit, logger)

	cadence, err := cfg.Cron.ApplierCadence()
	if err != nil {
		return nil, err
	}

	return &dependencies{
		Seats:              seats,
		Occupancy:          occupancy,
		Ingestor:           ingestor,
		Applier:            applier,
		Reprocessor:        reprocessor,
		ProviderConfigured: seats.ProviderConfigured(),
		Authenticator:      auth.NewAPIKeyAuthenticator(keys, nil, clock, logger),
		Idempotency:        idem,
		Metrics:            requestMetrics,
		HealthProbes: []core.HealthProbe{
			core.DatabaseProbe{DB: pool},
			core.ProviderProbe{Configured: seats.ProviderConfigured()},
			core.ApplierProbe{Runs: runs, Schedule: cadence, Clock: clock},
		},
		Closers: []io.Closer{core.CloserFunc(func() error {
			pool.Close()
			return nil
		})},
		Clock: clock,
	}, nil
}

// loadAWSConfig loads the SDK configuration, honoring AWS_ENDPOINT_URL for
// LocalStack.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return awsCfg, nil
}

// buildServer assembles the chassis and mounts every route.
func buildServer(cfg *config.Config, deps *dependencies, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.Authenticator = deps.Authenticator
	srv.IdempotencyStore = deps.Idempotency
	srv.Metrics = deps.Metrics
	srv.HealthProbes = deps.HealthProbes
	srv.Closers = deps.Closers

	billingHandler := handlers.NewBillingHandler(deps.Seats, deps.Occupancy, srv.Validator, deps.Clock, logger)
	webhookHandler := handlers.NewWebhookHandler(deps.Ingestor, cfg.Billing.WebhookMaxBodyBytes, logger)
	cronHandler := handlers.NewCronHandler(deps.Applier, deps.Reprocessor, deps.ProviderConfigured, deps.Clock, logger)

	srv.MountRoutes(core.Routes{
		Billing:  billingHandler.RegisterRoutes,
		Webhooks: webhookHandler.RegisterRoutes,
		Cron:     cronHandler.RegisterRoutes,
	})
	return srv, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// In-flight requests are drained; release the pool.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
