// Package queue provides the SQS producer that notifies downstream services
// (membership checks, notification emails) of seat entitlement changes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"seatsync/internal/config"
	"seatsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SeatEventPublisher sends a SeatChangeMessage for every persisted seat
// change. It implements billing.SeatEventPublisher.
type SeatEventPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSeatEventPublisher creates a publisher for the queue in
// awsCfg.SeatEventsQueueURL.
func NewSeatEventPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *SeatEventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SeatEventPublisher{
		client:   client,
		queueURL: awsCfg.SeatEventsQueueURL,
		logger:   logger,
	}
}

// PublishSeatChange serializes msg and sends it. A missing MessageID or
// OccurredAt is filled in. Source and billing type are mirrored into message
// attributes so consumers can filter without parsing the body.
func (p *SeatEventPublisher) PublishSeatChange(ctx context.Context, msg types.SeatChangeMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal SeatChangeMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Source)),
			},
			"billing_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.BillingType)),
			},
			"current_seats": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(msg.CurrentSeats)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send SeatChangeMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "seat change message sent",
		"message_id", msg.MessageID,
		"subscription_id", msg.SubscriptionID,
		"org_id", msg.OrganizationID,
		"previous_seats", msg.PreviousSeats,
		"current_seats", msg.CurrentSeats,
		"source", string(msg.Source),
		"trace_id", msg.TraceID,
	)
	return nil
}
