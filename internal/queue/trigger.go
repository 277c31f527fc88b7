// Package queue provides the SQS producer for out-of-band activation replays.
// When a verified, settled webhook cannot be applied immediately (the ledger
// row is missing, or storage failed mid-activation) the dispatcher hands the
// notification to the reconcile queue and a worker retries later.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"paygate/internal/config"
	"paygate/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReconcilePublisher enqueues ReconcileMessages onto the reconcile queue.
// A nil queue URL disables publishing: Publish becomes a logged no-op, so
// deployments without the queue still acknowledge webhooks correctly and the
// miss is at least visible in logs.
type ReconcilePublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewReconcilePublisher creates a ReconcilePublisher from the AWS config.
func NewReconcilePublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *ReconcilePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcilePublisher{
		client:   client,
		queueURL: awsCfg.ReconcileQueueURL,
		logger:   logger,
	}
}

// Enabled reports whether a reconcile queue is configured.
func (p *ReconcilePublisher) Enabled() bool {
	return p.queueURL != "" && p.client != nil
}

// Publish enqueues a reconcile message. A fresh trace ID is assigned if the
// message carries none, and ReceivedAt defaults to now.
//
// Publish failures are returned to the caller but the caller is expected to
// treat them as best-effort: the webhook was already acknowledged or the
// provider will retry on its own schedule.
func (p *ReconcilePublisher) Publish(ctx context.Context, msg types.ReconcileMessage, reason string) error {
	if !p.Enabled() {
		p.logger.WarnContext(ctx, "reconcile queue not configured; dropping message",
			slog.String("provider", msg.Provider),
			slog.String("transaction_id", msg.TransactionID),
			slog.String("reason", reason),
		)
		return nil
	}

	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ReconcileMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
			"provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Provider),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send ReconcileMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "reconcile message sent",
		"queue_url", p.queueURL,
		"trace_id", msg.TraceID,
		"provider", msg.Provider,
		"transaction_id", msg.TransactionID,
		"provider_ref", msg.ProviderRef,
		"delivery_id", msg.DeliveryID,
		"attempt", msg.Attempt,
		"reason", reason,
	)

	return nil
}
