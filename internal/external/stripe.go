package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"seatsync/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// ProviderStripe is the provider name stored on subscriptions and ledger rows.
const ProviderStripe = "stripe"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	UserAgent string
	Logger    *slog.Logger
}

// StripeClient implements the billing provider client by making direct HTTP
// calls to the Stripe REST API through BaseClient, so every request shares the
// circuit breaker and error mapping and tests can use httptest.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient. The httpClient timeout bounds every
// call; requests are never retried.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	ua := cfg.UserAgent
	if ua == "" {
		ua = "seatsync/1.0"
	}
	base := NewBaseClient(httpClient, ProviderStripe, DefaultBreakerSettings(), ua, WithLogger(cfg.Logger))
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Provider client operations
// ---------------------------------------------------------------------------

// GetSubscription fetches the provider's view of a subscription.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe subscription", err)
	}
	return mapStripeSubscription(&sub), nil
}

// UpdateSubscriptionQuantity sets the quantity of the subscription item and
// returns the updated subscription.
func (s *StripeClient) UpdateSubscriptionQuantity(
	ctx context.Context,
	subscriptionID, itemID string,
	quantity int,
	opts types.UpdateQuantityOptions,
) (*types.ProviderSubscription, error) {
	params := url.Values{}
	params.Set("items[0][id]", itemID)
	params.Set("items[0][quantity]", strconv.Itoa(quantity))
	params.Set("proration_behavior", string(opts.Behavior()))

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), params, opts.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "UpdateSubscriptionQuantity")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe subscription", err)
	}

	s.logger.InfoContext(ctx, "stripe subscription quantity updated",
		"subscription_id", subscriptionID,
		"quantity", quantity,
		"proration_behavior", string(opts.Behavior()),
	)
	return mapStripeSubscription(&sub), nil
}

// CreateUsageRecord reports the usage of a metered item with action=set, so
// repeated reports for the same timestamp overwrite instead of accumulating.
func (s *StripeClient) CreateUsageRecord(ctx context.Context, itemID string, quantity int, at time.Time) (*types.UsageRecord, error) {
	params := url.Values{}
	params.Set("quantity", strconv.Itoa(quantity))
	params.Set("timestamp", strconv.FormatInt(at.Unix(), 10))
	params.Set("action", "set")

	resp, err := s.doPost(ctx, "/v1/subscription_items/"+url.PathEscape(itemID)+"/usage_records", params, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateUsageRecord")
	}

	var rec stripeUsageRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe usage record", err)
	}
	return &types.UsageRecord{
		ID:                 rec.ID,
		SubscriptionItemID: rec.SubscriptionItem,
		Quantity:           rec.Quantity,
		Timestamp:          time.Unix(rec.Timestamp, 0).UTC(),
	}, nil
}

// ListUsageRecords returns the usage summaries of a metered item, most recent
// period first.
func (s *StripeClient) ListUsageRecords(ctx context.Context, itemID string) ([]types.UsageSummary, error) {
	resp, err := s.doGet(ctx, "/v1/subscription_items/"+url.PathEscape(itemID)+"/usage_record_summaries", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListUsageRecords")
	}

	var list stripeUsageSummaryList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode Stripe usage summaries", err)
	}

	out := make([]types.UsageSummary, 0, len(list.Data))
	for _, d := range list.Data {
		out = append(out, types.UsageSummary{
			ID:                 d.ID,
			SubscriptionItemID: d.SubscriptionItem,
			TotalUsage:         d.TotalUsage,
			PeriodStart:        time.Unix(d.Period.Start, 0).UTC(),
			PeriodEnd:          time.Unix(d.Period.End, 0).UTC(),
		})
	}
	return out, nil
}

// GetCurrentUsage returns the summary of the current period, or nil when the
// item has no usage yet.
func (s *StripeClient) GetCurrentUsage(ctx context.Context, itemID string) (*types.UsageSummary, error) {
	summaries, err := s.ListUsageRecords(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return &summaries[0], nil
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build Stripe request", err)
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build Stripe request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse maps a non-200 response that BaseClient passed through
// (a 4xx other than 429) to ErrCodeUpstreamRejected carrying Stripe's error
// object in Details.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	details := map[string]any{"status": resp.StatusCode}

	body, readErr := io.ReadAll(resp.Body)
	if readErr == nil {
		var stripeErr stripeErrorResponse
		if json.Unmarshal(body, &stripeErr) == nil {
			details["type"] = stripeErr.Error.Type
			details["code"] = stripeErr.Error.Code
			details["message"] = stripeErr.Error.Message
			details["param"] = stripeErr.Error.Param
		}
	}

	msg := fmt.Sprintf("%s: Stripe rejected the request (%d)", operation, resp.StatusCode)
	if m, _ := details["message"].(string); m != "" {
		msg = fmt.Sprintf("%s: %s", msg, m)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRejected, msg, readErr, details)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Metadata           map[string]string       `json:"metadata"`
	Items              stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID       string      `json:"id"`
	Quantity *int        `json:"quantity"`
	Price    stripePrice `json:"price"`
	// Newer API versions report the period per item.
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

type stripePrice struct {
	ID         string           `json:"id"`
	UnitAmount int64            `json:"unit_amount"`
	Currency   string           `json:"currency"`
	Recurring  *stripeRecurring `json:"recurring"`
}

type stripeRecurring struct {
	Interval  string `json:"interval"`
	UsageType string `json:"usage_type"`
}

type stripeUsageRecord struct {
	ID               string `json:"id"`
	Quantity         int    `json:"quantity"`
	SubscriptionItem string `json:"subscription_item"`
	Timestamp        int64  `json:"timestamp"`
}

type stripeUsageSummary struct {
	ID               string `json:"id"`
	SubscriptionItem string `json:"subscription_item"`
	TotalUsage       int    `json:"total_usage"`
	Period           struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

type stripeUsageSummaryList struct {
	Data    []stripeUsageSummary `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// ---------------------------------------------------------------------------
// Mapping Functions
// ---------------------------------------------------------------------------

// mapStripeSubscription converts a Stripe subscription to the normalized
// provider view. Only the first item is considered; seat plans carry one.
func mapStripeSubscription(sub *stripeSubscription) *types.ProviderSubscription {
	ps := &types.ProviderSubscription{
		ID:             sub.ID,
		OrganizationID: sub.Metadata["organization_id"],
		Status:         mapSubscriptionStatus(sub.Status),
		CancelAtEnd:    sub.CancelAtPeriodEnd,
		ProviderName:   ProviderStripe,
	}

	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		ps.ItemID = item.ID
		ps.VariantID = item.Price.ID
		ps.UnitAmount = item.Price.UnitAmount
		ps.Currency = strings.ToLower(item.Price.Currency)
		metered := item.Price.Recurring != nil && item.Price.Recurring.UsageType == "metered"
		if !metered && item.Quantity != nil {
			q := *item.Quantity
			ps.Quantity = &q
		}
		if item.CurrentPeriodEnd > 0 {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	ps.PeriodStart = time.Unix(start, 0).UTC()
	ps.PeriodEnd = time.Unix(end, 0).UTC()
	return ps
}

// mapSubscriptionStatus converts a Stripe subscription status to the domain
// lifecycle. Statuses that still owe payment collapse into past_due.
func mapSubscriptionStatus(status string) types.SubscriptionStatus {
	switch status {
	case "trialing":
		return types.SubscriptionStatusOnTrial
	case "active":
		return types.SubscriptionStatusActive
	case "past_due", "unpaid", "incomplete":
		return types.SubscriptionStatusPastDue
	case "paused":
		return types.SubscriptionStatusPaused
	case "canceled":
		return types.SubscriptionStatusCancelled
	case "incomplete_expired":
		return types.SubscriptionStatusExpired
	default:
		return types.SubscriptionStatus(status)
	}
}
