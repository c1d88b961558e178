// Package metrics emits seatsync telemetry to AWS CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"seatsync/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder records billing, webhook, applier and API metrics.
//
// Metrics emitted:
//   - SeatChangeApplied/Failed/Conflict: Dims {BillingType}
//   - WebhookOutcome: Dims {Provider, EventType, Outcome}
//   - PaymentFailed: Dims {Provider}
//   - LegacyClassification: no dims
//   - PendingChangesApplied/Failed: no dims, one datum each per run
//   - APILatency, APIRequestCount: Dims {Method, Endpoint, Status}
//
// Failures to publish are logged and never returned.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchRecorder creates a recorder publishing to namespace
// (types.MetricNamespace when empty).
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func count(name string, value float64, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

func (r *CloudWatchRecorder) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: data,
	}
	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.logger.WarnContext(ctx, "failed to put metric data",
			"metric", aws.ToString(data[0].MetricName),
			"error", err,
		)
	}
}

// RecordSeatChange emits one of SeatChangeApplied, SeatChangeFailed or
// SeatChangeConflict depending on outcome.
func (r *CloudWatchRecorder) RecordSeatChange(ctx context.Context, billingType types.BillingType, outcome string) {
	name := types.MetricSeatChangeApplied
	switch outcome {
	case "failed":
		name = types.MetricSeatChangeFailed
	case "conflict":
		name = types.MetricSeatChangeConflict
	}
	r.put(ctx, count(name, 1, dim(types.DimBillingType, string(billingType))))
}

// RecordWebhookOutcome emits WebhookOutcome.
func (r *CloudWatchRecorder) RecordWebhookOutcome(ctx context.Context, provider string, eventType types.BillingEventType, outcome string) {
	if eventType == "" {
		eventType = types.BillingEventUnknown
	}
	r.put(ctx, count(types.MetricWebhookOutcome, 1,
		dim(types.DimProvider, provider),
		dim(types.DimEventType, string(eventType)),
		dim(types.DimOutcome, outcome),
	))
}

// RecordPaymentFailed emits PaymentFailed.
func (r *CloudWatchRecorder) RecordPaymentFailed(ctx context.Context, provider string) {
	r.put(ctx, count(types.MetricPaymentFailed, 1, dim(types.DimProvider, provider)))
}

// RecordLegacyClassification emits LegacyClassification. The variant is
// logged rather than used as a dimension to keep cardinality bounded.
func (r *CloudWatchRecorder) RecordLegacyClassification(ctx context.Context, variantID string) {
	r.logger.InfoContext(ctx, "legacy classification recorded", "variant_id", variantID)
	r.put(ctx, count(types.MetricLegacyClassification, 1))
}

// RecordPendingChanges emits the applier run counters.
func (r *CloudWatchRecorder) RecordPendingChanges(ctx context.Context, applied, failed int) {
	r.put(ctx,
		count(types.MetricPendingChangesApplied, float64(applied)),
		count(types.MetricPendingChangesFailed, float64(failed)),
	)
}

// RecordRequest emits APILatency and APIRequestCount for one HTTP request.
func (r *CloudWatchRecorder) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		dim(types.DimMethod, method),
		dim(types.DimEndpoint, endpoint),
		dim(types.DimStatus, status),
	}
	r.put(context.Background(),
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
		count(types.MetricAPIRequestCount, 1, dims...),
	)
}
