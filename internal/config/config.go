// Package config defines the global configuration structure for the paygate
// platform. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"paygate/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the paygate platform.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"paygate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Providers     ProvidersConfig
	Security      SecurityConfig
	Retention     RetentionConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public base URL used when building provider return/redirect URLs
	// (no trailing slash), e.g. https://api.paygate.example
	ExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// RedisConfig holds the optional dedup fast-path cache settings. An empty URL
// disables the cache entirely; the durable delivery log remains authoritative
// either way.
type RedisConfig struct {
	URL      string        `envconfig:"REDIS_URL"`
	DedupTTL time.Duration `envconfig:"REDIS_DEDUP_TTL" default:"72h"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ReconcileQueueURL is the SQS queue for out-of-band activation replays.
	// Empty disables reconciliation publishing (misses are log-only).
	ReconcileQueueURL string `envconfig:"SQS_RECONCILE_QUEUE"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ProviderConfig holds the credentials for a single payment provider.
// SigningSecret authenticates inbound webhooks; APIKey and BaseURL are used
// for outbound invoice creation and status polling.
type ProviderConfig struct {
	SigningSecret SecretString `envconfig:"SIGNING_SECRET"`
	APIKey        SecretString `envconfig:"API_KEY"`
	BaseURL       string       `envconfig:"BASE_URL"`
}

// ProvidersConfig holds per-provider credential blocks. Secrets are not
// required at load time: a provider with an empty signing secret fails closed
// at verification time, which lets a deployment run with a subset of
// providers enabled.
type ProvidersConfig struct {
	Coinbox  ProviderConfig `envconfig:"COINBOX"`
	Mpay     ProviderConfig `envconfig:"MPAY"`
	Zenipay  ProviderConfig `envconfig:"ZENIPAY"`
	Oson     ProviderConfig `envconfig:"OSON"`
	Bankflow ProviderConfig `envconfig:"BANKFLOW"`
}

// SecurityConfig holds admin access configuration. AdminAPIKeyHash is the
// bcrypt hash of the admin key, never the key itself.
type SecurityConfig struct {
	AdminAPIKeyHash SecretString `envconfig:"ADMIN_API_KEY_HASH" validate:"required"`
}

// RetentionConfig holds data lifecycle windows enforced by the sweeper.
type RetentionConfig struct {
	// DeliveryRetention is how long webhook delivery rows are kept before
	// being archived and purged. Must comfortably exceed the longest
	// provider retry horizon so replays are still caught.
	DeliveryRetention time.Duration `envconfig:"DELIVERY_RETENTION" default:"2160h"` // 90 days

	// ArchiveDir is where purged delivery payloads are written as gzip
	// bundles. Empty disables archival (rows are deleted without a copy).
	ArchiveDir string `envconfig:"DELIVERY_ARCHIVE_DIR"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Paygate"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
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
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrSSMResolution indicates a failure resolving secrets from SSM
	// Parameter Store.
	ErrSSMResolution ConfigErrorType = "SSM_RESOLUTION_FAILED"
)
