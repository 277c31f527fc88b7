// Package main is the entry point for the paygate API server.
//
// It loads configuration (resolving secrets from SSM outside local mode),
// builds the database pool, the provider verifier registry, the dedup layer,
// the billing services, and the HTTP handlers, then mounts everything on the
// core chassis and serves until a shutdown signal arrives.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"paygate/internal/api/handlers"
	"paygate/internal/billing"
	"paygate/internal/config"
	"paygate/internal/core"
	"paygate/internal/db"
	"paygate/internal/dedup"
	"paygate/internal/external"
	"paygate/internal/providers"
	"paygate/internal/queue"
	"paygate/internal/ratelimit"
	"paygate/internal/security"
	"paygate/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// Outside local mode, provider signing secrets and the database URL are
	// resolved from SSM Parameter Store via _SSM_PARAM pointer variables.
	var secrets config.SecretProvider
	if env := os.Getenv("APP_ENV"); env != "" && env != "local" {
		secrets = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}

	cfg, err := config.LoadConfig(secrets)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("paygate API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	// Database pool. Every repository shares it.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}

	txRepo := db.NewTransactionRepo(pool, logger)
	subRepo := db.NewSubscriptionRepo(pool, logger)
	deliveryRepo := db.NewDeliveryRepo(pool, logger)

	// Optional Redis fast path for webhook dedup. The durable delivery log
	// stays authoritative, so a missing or flushed cache is harmless.
	var cache dedup.CacheSetter
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parsing redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		cache = redisClient
		logger.Info("redis dedup fast path enabled", "ttl", cfg.Redis.DedupTTL.String())
	}
	deduper := dedup.NewDeduplicator(deliveryRepo, cache, cfg.Redis.DedupTTL, logger)

	// Provider verifier registry and outbound provider API client.
	registry := providers.NewRegistry(cfg.Providers)
	logger.Info("payment providers configured", "providers", registry.Names())

	// Outbound calls go through the SSRF-hardened client: provider base URLs
	// are operator-configured but redirect chains are provider-controlled.
	httpClient, err := security.NewSafeHTTPClient(30*time.Second, 3)
	if err != nil {
		return fmt.Errorf("creating outbound HTTP client: %w", err)
	}
	providerAPI := external.NewProviderAPI(cfg.Providers, httpClient, "paygate/"+cfg.Build.Version, logger)

	// Billing services.
	plans := billing.NewStaticPlanRegistry()
	checkout := billing.NewCheckoutService(plans, txRepo, subRepo, providerAPI, logger)
	activation := billing.NewActivationService(txRepo, subRepo, logger)
	reporting := billing.NewReportingService(db.NewReportingDB(pool), logger)

	// AWS clients: SQS for reconcile publishing, CloudWatch for metrics.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	reconcile := queue.NewReconcilePublisher(sqsClient, cfg.AWS, logger)
	if !reconcile.Enabled() {
		logger.Warn("reconcile queue not configured; referential misses are log-only")
	}

	var collector telemetry.Collector = telemetry.NoopCollector{}
	if cfg.Observability.EnableMetrics {
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		collector = telemetry.NewCloudWatchCollector(cwClient, cfg.Observability.MetricNamespace, logger)
	}

	// Build the server and mount routes.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.DBPinger = pool
	if redisClient != nil {
		srv.RateLimitStore = ratelimit.NewRedisStore(redisClient)
	}

	webhookHandler := handlers.NewWebhookHandler(registry, deduper, activation, reconcile, collector, logger)
	paymentsHandler := handlers.NewPaymentsHandler(checkout, txRepo, subRepo, providerAPI, activation, collector, logger)
	adminHandler := handlers.NewAdminHandler(txRepo, activation, subRepo, reporting, collector, logger)

	srv.WebhookRouteRegistrars = append(srv.WebhookRouteRegistrars, webhookHandler.RegisterRoutes)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, paymentsHandler.RegisterRoutes)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(srv.AdminKeyMiddleware)
			adminHandler.RegisterRoutes(r)
		})
	})

	srv.OnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})
	if redisClient != nil {
		srv.OnShutdown(func(context.Context) error {
			return redisClient.Close()
		})
	}

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Shutdown server resources (DB pool, Redis client).
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
