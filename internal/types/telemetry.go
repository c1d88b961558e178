package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricSeatChangeApplied     = "SeatChangeApplied"
	MetricSeatChangeFailed      = "SeatChangeFailed"
	MetricSeatChangeConflict    = "SeatChangeConflict"
	MetricWebhookReceived       = "WebhookReceived"
	MetricWebhookOutcome        = "WebhookOutcome"
	MetricPendingChangesApplied = "PendingChangesApplied"
	MetricPendingChangesFailed  = "PendingChangesFailed"
	MetricPaymentFailed         = "PaymentFailed"
	MetricLegacyClassification  = "LegacyClassification"
	MetricAPILatency            = "APILatency"
	MetricAPIRequestCount       = "APIRequestCount"
	MetricExternalAPIFailure    = "ExternalAPIFailure"

	// Dimension Keys
	DimBillingType = "BillingType"
	DimOutcome     = "Outcome"
	DimOrgID       = "OrgID"
	DimEndpoint    = "Endpoint"
	DimProvider    = "Provider"
	DimEventType   = "EventType"
	DimMethod      = "Method"
	DimStatus      = "Status"

	// Metric Namespace
	MetricNamespace = "SeatSync"
)
