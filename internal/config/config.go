// Package config defines the process configuration for seatsync.
// Configuration is loaded once at startup (or Lambda cold start) and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"seatsync/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for secret fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the section they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"seatsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Cron          CronConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	APIExternalURL     string        `envconfig:"API_EXTERNAL_URL" validate:"omitempty,url"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`

	// AutoMigrate applies pending schema migrations on API startup.
	AutoMigrate bool `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-central-1"`

	// SeatEventsQueueURL receives a SeatChangeMessage for every applied seat
	// change. Publishing is disabled when empty.
	SeatEventsQueueURL string `envconfig:"SQS_SEAT_EVENTS_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds the billing provider credentials and plan catalogue.
type BillingConfig struct {
	Provider            string       `envconfig:"BILLING_PROVIDER" default:"stripe" validate:"oneof=stripe"`
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIBase       string       `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com" validate:"url"`

	// Variant (price) identifiers that classify subscriptions. Monthly
	// variants are usage-based, yearly variants are quantity-based.
	MonthlyVariantIDs []string `envconfig:"BILLING_MONTHLY_VARIANT_IDS"`
	YearlyVariantIDs  []string `envconfig:"BILLING_YEARLY_VARIANT_IDS"`

	ProviderTimeout     time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s" validate:"min=1s,max=60s"`
	WebhookClaimTTL     time.Duration `envconfig:"WEBHOOK_CLAIM_TTL" default:"5m"`
	WebhookMaxBodyBytes int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"65536" validate:"min=1024"`

	// UseStub swaps the provider client for an in-memory stub. Honored only
	// when APP_ENV=local.
	UseStub bool `envconfig:"BILLING_USE_STUB" default:"false"`
}

// ProviderConfigured reports whether outbound provider calls are possible.
func (b BillingConfig) ProviderConfigured() bool {
	return b.StripeSecretKey.IsSet()
}

// CronConfig holds settings for the externally triggered scheduled jobs.
type CronConfig struct {
	// Secret is the bearer token expected on /cron routes. When empty every
	// cron request is rejected.
	Secret              SecretString `envconfig:"CRON_SECRET"`
	ApplierBatchLimit   int          `envconfig:"APPLIER_BATCH_LIMIT" default:"200" validate:"min=1,max=5000"`
	ApplierConcurrency  int          `envconfig:"APPLIER_CONCURRENCY" default:"4" validate:"min=1,max=32"`
	ReprocessBatchLimit int          `envconfig:"REPROCESS_BATCH_LIMIT" default:"50" validate:"min=1,max=1000"`

	IdempotencyRetention  time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"24h" validate:"min=1h"`
	BillingEventRetention time.Duration `envconfig:"BILLING_EVENT_RETENTION" default:"2160h" validate:"min=168h"`

	// ApplierSchedule is the cadence the external trigger runs on, in
	// standard five-field cron syntax. Used to flag a stale applier.
	ApplierSchedule string `envconfig:"APPLIER_SCHEDULE" default:"0 * * * *" validate:"cronspec"`
}

// ApplierCadence parses ApplierSchedule.
func (c CronConfig) ApplierCadence() (cron.Schedule, error) {
	sched, err := cron.ParseStandard(c.ApplierSchedule)
	if err != nil {
		return nil, fmt.Errorf("parsing APPLIER_SCHEDULE %q: %w", c.ApplierSchedule, err)
	}
	return sched, nil
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string   `envconfig:"METRIC_NAMESPACE" default:"SeatSync"`
	EnableMetrics   bool     `envconfig:"ENABLE_METRICS" default:"true"`
	RedactedHeaders []string `envconfig:"LOG_REDACTED_HEADERS" default:"Authorization,Stripe-Signature,Cookie"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
