// Package main is the entrypoint for the Reconciler Lambda function.
//
// The Reconciler consumes ReconcileMessages from the reconcile SQS queue and
// re-drives activation for verified paid notifications that referenced a
// transaction the ledger did not have at webhook time (the webhook raced the
// purchase commit, or the purchase lives on another system).
//
// Lambda SQS integration uses partial batch responses: messages that fail
// processing are returned in batchItemFailures so SQS retries only those,
// eventually parking persistent misses on the dead-letter queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"paygate/internal/billing"
	"paygate/internal/config"
	"paygate/internal/db"
	"paygate/internal/telemetry"
	"paygate/internal/types"
)

// Activator re-drives an activation attempt. Implemented by
// billing.ActivationService.
type Activator interface {
	Activate(ctx context.Context, transactionID, providerRef string, webhookPayload []byte) (*types.Subscription, error)
}

// Handler holds the dependencies for the reconciler Lambda handler.
type Handler struct {
	activator Activator
	metrics   telemetry.Collector
	logger    *slog.Logger
}

// Handle processes an SQS event containing one or more reconcile messages.
// Each message is processed independently; failures are reported per item so
// SQS redelivers only what did not go through.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "reconcile message failed",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage replays activation for a single reconcile message.
//
// Outcomes:
//   - activation succeeds (or the subscription is already active): ACK.
//   - the transaction is still missing: fail the item so SQS retries with
//     backoff; after max receives the message lands on the DLQ for operator
//     review.
//   - the transaction exists but is in a state activation rejects: ACK with a
//     warning, retrying cannot change the answer.
//   - storage failure: fail the item for retry.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.ReconcileMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Poison message. Retrying a parse failure cannot succeed.
		h.logger.ErrorContext(ctx, "dropping malformed reconcile message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	logger := h.logger.With(
		"trace_id", msg.TraceID,
		"provider", msg.Provider,
		"transaction_id", msg.TransactionID,
		"delivery_id", msg.DeliveryID,
		"attempt", msg.Attempt,
	)

	logger.InfoContext(ctx, "replaying activation")

	sub, err := h.activator.Activate(ctx, msg.TransactionID, msg.ProviderRef, nil)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			switch appErr.Code {
			case types.ErrCodeNotFoundTransaction, types.ErrCodeNotFoundSubscription:
				logger.WarnContext(ctx, "transaction still unknown, leaving for retry")
				return err
			case types.ErrCodeConflictTxState:
				logger.WarnContext(ctx, "transaction state rejects activation, dropping",
					"code", string(appErr.Code))
				return nil
			}
		}
		return err
	}

	h.metrics.RecordActivation(ctx, "reconcile")
	logger.InfoContext(ctx, "reconcile activation complete",
		"subscription_id", sub.ID,
		"subscription_status", string(sub.Status),
	)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("reconciler initializing (cold start)")

	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		logger.Error("failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	txRepo := db.NewTransactionRepo(pool, logger)
	subRepo := db.NewSubscriptionRepo(pool, logger)
	activation := billing.NewActivationService(txRepo, subRepo, logger)

	var collector telemetry.Collector = telemetry.NoopCollector{}
	if enabled, _ := strconv.ParseBool(os.Getenv("ENABLE_METRICS")); enabled {
		awsCfg, cfgErr := awsconfig.LoadDefaultConfig(ctx)
		if cfgErr != nil {
			logger.Error("failed to load AWS SDK config", "error", cfgErr)
			os.Exit(1)
		}
		namespace := os.Getenv("METRIC_NAMESPACE")
		if namespace == "" {
			namespace = "Paygate"
		}
		collector = telemetry.NewCloudWatchCollector(cloudwatch.NewFromConfig(awsCfg), namespace, logger)
	}

	handler := &Handler{
		activator: activation,
		metrics:   collector,
		logger:    logger,
	}

	logger.Info("reconciler initialized")

	lambda.Start(handler.Handle)
}
