// Package main is the entrypoint for the Sweeper Lambda function.
//
// The Sweeper acts as a maintenance multiplexer. EventBridge rules send JSON
// payloads indicating the TaskType, and the handler routes execution to the
// appropriate scheduler service. This consolidates low-frequency maintenance
// tasks into a single Lambda to reduce cold starts and infrastructure sprawl.
//
// Tasks:
//   - expire_subscriptions: flips active subscriptions past their window to
//     expired. Runs hourly.
//   - purge_deliveries: archives and deletes webhook delivery rows past the
//     retention window. Runs daily.
//
// Outside Lambda the binary runs the requested task once and exits, which is
// how local development and ad-hoc operational runs invoke it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"paygate/internal/config"
	"paygate/internal/db"
	"paygate/internal/scheduler"
	"paygate/internal/telemetry"
)

// purgeBatchSize caps rows handled per archive-delete cycle so a single
// invocation stays well inside the Lambda time budget.
const purgeBatchSize = 500

// defaultRetention mirrors the DELIVERY_RETENTION config default (90 days).
const defaultRetention = 2160 * time.Hour

// Handler routes maintenance payloads to the scheduler services.
type Handler struct {
	expiry    *scheduler.ExpiryService
	cleanup   *scheduler.DeliveryCleanupService
	retention time.Duration
	logger    *slog.Logger
}

// Handle executes a single maintenance task. ReferenceTime in the payload
// overrides "now" for deterministic manual invocations.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	h.logger.InfoContext(ctx, "sweeper invoked",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
	)

	switch payload.Task {
	case scheduler.TaskExpireSubscriptions:
		expired, err := h.expiry.SweepExpired(ctx, now)
		if err != nil {
			return "", fmt.Errorf("expiry sweep: %w", err)
		}
		return fmt.Sprintf("expiry sweep complete: %d subscriptions expired", expired), nil

	case scheduler.TaskPurgeDeliveries:
		purged, err := h.cleanup.PurgeOldDeliveries(ctx, now, h.retention, purgeBatchSize)
		if err != nil {
			return "", fmt.Errorf("delivery purge: %w", err)
		}
		return fmt.Sprintf("delivery purge complete: %d rows removed", purged), nil

	default:
		return "", fmt.Errorf("unknown maintenance task %q", payload.Task)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("sweeper initializing (cold start)")

	// Resolve SSM secrets into environment variables before reading config.
	// In non-local environments DATABASE_URL is stored in SSM Parameter Store
	// and referenced via a _SSM_PARAM suffix variable.
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		logger.Error("failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	databaseURL := os.Getenv("DATABASE_URL")
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	retention := defaultRetention
	if raw := os.Getenv("DELIVERY_RETENTION"); raw != "" {
		if d, parseErr := time.ParseDuration(raw); parseErr == nil {
			retention = d
		} else {
			logger.Warn("unparseable DELIVERY_RETENTION, using default",
				"value", raw, "default", defaultRetention.String())
		}
	}

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

	var archiver scheduler.ArchiveWriter
	if dir := os.Getenv("DELIVERY_ARCHIVE_DIR"); dir != "" {
		archiver = scheduler.NewGzipFileArchiver(dir)
		logger.Info("delivery archival enabled", "dir", dir)
	}

	subRepo := db.NewSubscriptionRepo(pool, logger)
	deliveryRepo := db.NewDeliveryRepo(pool, logger)

	handler := &Handler{
		expiry:    scheduler.NewExpiryService(subRepo, collector, logger),
		cleanup:   scheduler.NewDeliveryCleanupService(deliveryRepo, archiver, logger),
		retention: retention,
		logger:    logger,
	}

	logger.Info("sweeper initialized", "retention", retention.String())

	if isLambdaEnvironment() {
		lambda.Start(handler.Handle)
		return
	}

	// Local one-shot mode.
	task := flag.String("task", string(scheduler.TaskExpireSubscriptions), "maintenance task to run")
	flag.Parse()

	result, err := handler.Handle(ctx, scheduler.MaintenancePayload{Task: scheduler.TaskType(*task)})
	if err != nil {
		logger.Error("sweeper task failed", "task", *task, "error", err)
		os.Exit(1)
	}
	logger.Info(result)
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}
