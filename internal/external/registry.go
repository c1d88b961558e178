package external

import (
	"log/slog"
	"net/http"

	"seatsync/internal/config"
)

// ---------------------------------------------------------------------------
// Client Registry
//
// Central factory that instantiates the provider client and webhook sources
// from configuration. Locally, BILLING_USE_STUB swaps in in-memory stubs.
// ---------------------------------------------------------------------------

// ClientRegistry holds the billing provider client and the webhook sources
// keyed by provider name (the {provider} path segment of /webhooks).
type ClientRegistry struct {
	// Billing is nil when no provider secret is configured.
	Billing  BillingProvider
	Webhooks map[string]WebhookSource
}

// NewClientRegistry initializes the external clients.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Billing.UseStub && cfg.Environment == "local" {
		logger.Info("initializing billing provider in STUB mode",
			"environment", cfg.Environment,
		)
		stubLogger := logger.With("mode", "stub")
		return &ClientRegistry{
			Billing:  NewStubBillingProvider(stubLogger),
			Webhooks: map[string]WebhookSource{ProviderStripe: NewStubWebhookSource(stubLogger)},
		}
	}

	reg := &ClientRegistry{Webhooks: make(map[string]WebhookSource)}

	if cfg.Billing.ProviderConfigured() {
		httpClient := &http.Client{Timeout: cfg.Billing.ProviderTimeout}
		reg.Billing = NewStripeClient(httpClient, StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			BaseURL:   cfg.Billing.StripeAPIBase,
			UserAgent: "seatsync/" + cfg.Build.Version,
			Logger:    logger.With("client", ProviderStripe),
		})
	} else {
		logger.Warn("billing provider not configured; seat changes will be refused",
			"provider", cfg.Billing.Provider,
		)
	}

	// The source is registered even without a secret so deliveries are
	// answered 401 rather than 404.
	reg.Webhooks[ProviderStripe] = NewStripeWebhookSource(cfg.Billing.StripeWebhookSecret.Unmask())

	return reg
}
