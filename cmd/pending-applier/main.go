// Package main is the entrypoint for the pending-applier Lambda function.
//
// EventBridge rules send a MaintenancePayload naming the task; the handler
// acquires an hourly job lock and routes execution to the scheduler service:
//
//  1. Parse MaintenancePayload and determine the reference time.
//  2. Acquire the distributed lock "task:hour".
//  3. Switch on TaskType and call the service method.
//
// The /cron HTTP routes of cmd/api run the same services on demand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"seatsync/internal/billing"
	"seatsync/internal/config"
	"seatsync/internal/db"
	"seatsync/internal/external"
	"seatsync/internal/metrics"
	"seatsync/internal/queue"
	"seatsync/internal/scheduler"
	"seatsync/internal/types"
)

// lockTTL covers the Lambda execution duration with margin.
const lockTTL = 15 * time.Minute

// ServiceRegistry holds the services the handler routes to. Services are
// built during cold start and reused across invocations.
type ServiceRegistry struct {
	Applier     ApplierService
	Reprocessor ReprocessorService
	Cleanup     CleanupService
}

// ApplierService promotes due pending seat changes.
type ApplierService interface {
	ApplyDuePendingChanges(ctx context.Context, now time.Time) (*scheduler.ApplySummary, error)
}

// ReprocessorService retries failed billing events.
type ReprocessorService interface {
	ReprocessFailed(ctx context.Context) (*scheduler.ReprocessSummary, error)
}

// CleanupService purges expired ledger rows.
type CleanupService interface {
	PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	PurgeProcessedBillingEvents(ctx context.Context, now time.Time, retention time.Duration) (int, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, now time.Time, ttl time.Duration) (bool, error)
}

// Retention holds the housekeeping windows.
type Retention struct {
	IdempotencyKeys time.Duration
	BillingEvents   time.Duration
}

// Handler holds the dependencies for the Lambda handler function.
type Handler struct {
	Services ServiceRegistry
	JobLock  JobLocker
	WorkerID string
	Clock    types.Clock
	// ProviderConfigured gates the applier, which cannot promote changes
	// without provider credentials.
	ProviderConfigured bool
	Retention          Retention
	Logger             *slog.Logger
}

// Handle processes a MaintenancePayload from EventBridge.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := h.Clock
	if clock == nil {
		clock = types.RealClock{}
	}

	now := clock.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "pending-applier invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, clock.Now().UTC(), lockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock",
			"lock_id", lockID,
			"error", err,
		)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock not acquired, another worker is processing",
			"lock_id", lockID,
		)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	items, failed, execErr := h.dispatch(ctx, payload.Task, now)
	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", execErr,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed, %d failed", taskStr, items, failed)
	logger.InfoContext(ctx, result,
		"task", taskStr,
		"items", items,
		"failed", failed,
	)
	return result, nil
}

// dispatch routes a TaskType to its service. It returns the number of items
// processed and, for the batch jobs, how many of them failed.
func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) (int, int, error) {
	switch task {
	case scheduler.TaskApplyPendingChanges:
		if !h.ProviderConfigured {
			return 0, 0, types.NewAppError(types.ErrCodeProviderUnconfigured, "billing provider is not configured", nil)
		}
		summary, err := h.Services.Applier.ApplyDuePendingChanges(ctx, now)
		if err != nil {
			return 0, 0, err
		}
		return summary.Processed, len(summary.Failures), nil

	case scheduler.TaskReprocessBillingEvents:
		summary, err := h.Services.Reprocessor.ReprocessFailed(ctx)
		if err != nil {
			return 0, 0, err
		}
		return summary.Processed, len(summary.Failures), nil

	case scheduler.TaskCleanupIdempotencyKeys:
		n, err := h.Services.Cleanup.PurgeExpiredIdempotencyKeys(ctx, now, retentionOr(h.Retention.IdempotencyKeys, scheduler.DefaultIdempotencyRetention))
		return n, 0, err

	case scheduler.TaskCleanupBillingEvents:
		n, err := h.Services.Cleanup.PurgeProcessedBillingEvents(ctx, now, retentionOr(h.Retention.BillingEvents, scheduler.DefaultBillingEventRetention))
		return n, 0, err

	default:
		return 0, 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func retentionOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("pending-applier Lambda initializing (cold start)")

	handler, err := newHandler(context.Background(), logger)
	if err != nil {
		logger.Error("failed to initialize pending-applier", "error", err)
		os.Exit(1)
	}

	logger.Info("pending-applier Lambda initialized",
		"worker_id", handler.WorkerID,
		"provider_configured", handler.ProviderConfigured,
	)

	lambda.Start(handler.Handle)
}

// newHandler loads configuration and wires the production services.
func newHandler(ctx context.Context, logger *slog.Logger) (*Handler, error) {
	var secrets config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		secrets = config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	}
	cfg, err := config.LoadConfig(secrets)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	clock := types.RealClock{}
	subs := db.NewSubscriptionRepository(pool)
	events := db.NewBillingEventRepository(pool)

	classifier, err := billing.NewStaticClassifier(cfg.Billing.MonthlyVariantIDs, cfg.Billing.YearlyVariantIDs)
	if err != nil {
		return nil, fmt.Errorf("building variant classifier: %w", err)
	}
	registry := external.NewClientRegistry(cfg, logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	var publisher billing.SeatEventPublisher
	if cfg.AWS.SeatEventsQueueURL != "" {
		publisher = queue.NewSeatEventPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
	}
	var billingMetrics billing.Metrics
	var applierMetrics scheduler.ApplierMetrics
	if cfg.Observability.EnableMetrics {
		recorder := metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
		billingMetrics, applierMetrics = recorder, recorder
	}

	seats := billing.NewSeatManager(subs, registry.Billing, publisher, billingMetrics, clock, logger)
	ingestor := billing.NewIngestor(registry.Webhooks, events, subs, classifier, publisher, billingMetrics, clock,
		billing.IngestorConfig{ClaimTTL: cfg.Billing.WebhookClaimTTL}, logger)

	return &Handler{
		Services: ServiceRegistry{
			Applier: scheduler.NewApplier(subs, seats, db.NewApplierRunRepository(pool), applierMetrics, scheduler.ApplierConfig{
				BatchLimit:  cfg.Cron.ApplierBatchLimit,
				Concurrency: cfg.Cron.ApplierConcurrency,
				Trigger:     "eventbridge",
			}, logger),
			Reprocessor: scheduler.NewFailedEventReprocessor(ingestor, cfg.Cron.ReprocessBatchLimit, logger),
			Cleanup:     scheduler.NewCleanupService(db.NewIdempotencyRepository(pool), events, logger),
		},
		JobLock:            db.NewJobLockRepository(pool),
		WorkerID:           uuid.New().String(),
		Clock:              clock,
		ProviderConfigured: seats.ProviderConfigured(),
		Retention: Retention{
			IdempotencyKeys: cfg.Cron.IdempotencyRetention,
			BillingEvents:   cfg.Cron.BillingEventRetention,
		},
		Logger: logger,
	}, nil
}
