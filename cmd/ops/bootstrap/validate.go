package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ValidationResult holds the outcome of a validation check. It provides
// both a boolean pass/fail signal and a human-readable message suitable
// for display in the bootstrap CLI.
type ValidationResult struct {
	// Valid is true if the input passed all validation checks.
	Valid bool

	// Message is a human-readable description of the result.
	// On success, it describes what was validated. On failure, it
	// describes why validation failed.
	Message string
}

// HTTPClient is the interface used by validators that make outbound HTTP
// calls. It enables injecting mock transports for testing without making
// real network calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector abstracts the database connection logic for testing.
// In production, the real implementation uses pgx.Connect. Tests inject
// a mock that simulates connection success/failure.
type DatabaseConnector interface {
	// Connect attempts to establish a connection to the database at the
	// given DSN. It returns an error if the connection fails.
	// The implementation MUST close the connection before returning.
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector is the production implementation of DatabaseConnector.
type PgxConnector struct{}

// Connect establishes a connection to the database using pgx and immediately
// closes it. The purpose is to verify that the DSN is reachable and the
// credentials are valid, not to maintain an open connection.
func (c *PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// Validator encapsulates the dependencies needed by input validation
// functions. It is constructed during bootstrap initialization and threaded
// through the inventory steps.
type Validator struct {
	httpClient HTTPClient
	dbConn     DatabaseConnector
}

// NewValidator creates a Validator with production dependencies: a real
// HTTP client with a 10-second timeout and a real pgx connector.
func NewValidator() *Validator {
	return &Validator{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		dbConn: &PgxConnector{},
	}
}

// NewValidatorWithDeps creates a Validator with injected dependencies
// for testing.
func NewValidatorWithDeps(httpClient HTTPClient, dbConn DatabaseConnector) *Validator {
	return &Validator{
		httpClient: httpClient,
		dbConn:     dbConn,
	}
}

// validateTimeout is the per-probe timeout for active validation calls.
// This is separate from the HTTP client timeout to serve as an outer bound
// that also covers DNS resolution, TLS handshake, etc.
const validateTimeout = 15 * time.Second

// ---------------------------------------------------------------------------
// ValidateDatabaseURL
// ---------------------------------------------------------------------------

// ValidateDatabaseURL validates a PostgreSQL connection string by parsing
// the URL, checking the scheme, and attempting a real connection with pgx
// to verify credentials and network reachability.
//
// The connection is immediately closed after verification.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Valid: false, Message: "database URL must not be empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("invalid URL format: %v", err),
		}
	}

	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("expected postgres:// or postgresql:// scheme, got %q", parsed.Scheme),
		}
	}
	if parsed.Hostname() == "" {
		return ValidationResult{
			Valid:   false,
			Message: "database URL must include a host",
		}
	}

	// Attempt a real connection to verify credentials and reachability.
	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	if err := v.dbConn.Connect(connCtx, rawURL); err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("connection failed: %v", err),
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("database connection verified (host=%s)", parsed.Hostname()),
	}
}

// ---------------------------------------------------------------------------
// ValidateRedisURL
// ---------------------------------------------------------------------------

// ValidateRedisURL validates a Redis connection string format. No live
// probe is made: the Redis cache is optional and frequently unreachable
// from the operator's workstation (VPC-internal ElastiCache), so only the
// URL shape is checked.
func (v *Validator) ValidateRedisURL(_ context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Valid: false, Message: "Redis URL must not be empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("invalid URL format: %v", err),
		}
	}

	if parsed.Scheme != "redis" && parsed.Scheme != "rediss" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("expected redis:// or rediss:// scheme, got %q", parsed.Scheme),
		}
	}
	if parsed.Hostname() == "" {
		return ValidationResult{
			Valid:   false,
			Message: "Redis URL must include a host",
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("Redis URL format validated (host=%s)", parsed.Hostname()),
	}
}

// ---------------------------------------------------------------------------
// ValidateQueueURL
// ---------------------------------------------------------------------------

// sqsQueueURLRegex matches the standard SQS queue URL shape:
// https://sqs.{region}.amazonaws.com/{account}/{queue-name}.
// LocalStack-style URLs (http://localhost:4566/...) are also accepted
// so dev environments can point at an emulator.
var sqsQueueURLRegex = regexp.MustCompile(`^https://sqs\.[a-z0-9-]+\.amazonaws\.com/\d{12}/[A-Za-z0-9_-]+(\.fifo)?$`)

// ValidateQueueURL validates the reconcile queue URL format.
func (v *Validator) ValidateQueueURL(_ context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Valid: false, Message: "queue URL must not be empty"}
	}

	if sqsQueueURLRegex.MatchString(rawURL) {
		return ValidationResult{
			Valid:   true,
			Message: "SQS queue URL format validated",
		}
	}

	// LocalStack / emulator fallback.
	parsed, err := url.Parse(rawURL)
	if err == nil && parsed.Scheme == "http" && parsed.Hostname() != "" && parsed.Path != "" {
		return ValidationResult{
			Valid:   true,
			Message: fmt.Sprintf("queue URL accepted (non-AWS endpoint: %s)", parsed.Hostname()),
		}
	}

	return ValidationResult{
		Valid:   false,
		Message: "queue URL must look like https://sqs.{region}.amazonaws.com/{account}/{name} (or an http:// emulator URL)",
	}
}

// ---------------------------------------------------------------------------
// ValidateSigningSecret
// ---------------------------------------------------------------------------

// minSigningSecretLength is the shortest webhook signing secret accepted.
// Shorter secrets make the HMAC schemes brute-forceable offline.
const minSigningSecretLength = 16

// ValidateSigningSecret validates a provider webhook signing secret. There
// is nothing to probe: the secret is only ever used to verify inbound
// signatures, so validation is a length floor plus a printable check.
func (v *Validator) ValidateSigningSecret(_ context.Context, secret, providerName string) ValidationResult {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s signing secret must not be empty", providerName),
		}
	}

	if len(secret) < minSigningSecretLength {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s signing secret must be at least %d characters (got %d)", providerName, minSigningSecretLength, len(secret)),
		}
	}

	for _, r := range secret {
		if r < 0x21 || r > 0x7e {
			return ValidationResult{
				Valid:   false,
				Message: fmt.Sprintf("%s signing secret contains whitespace or non-printable characters", providerName),
			}
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("%s signing secret accepted (length: %d chars)", providerName, len(secret)),
	}
}

// ---------------------------------------------------------------------------
// ValidateAPIKey
// ---------------------------------------------------------------------------

// ValidateAPIKey validates a provider API key with a length check only.
// Provider key formats vary and most providers have no side-effect-free
// verification endpoint, so we rely on length.
func (v *Validator) ValidateAPIKey(_ context.Context, key, providerName string) ValidationResult {
	key = strings.TrimSpace(key)
	if key == "" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s API key must not be empty", providerName),
		}
	}

	if len(key) <= 8 {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s API key must be longer than 8 characters (got %d)", providerName, len(key)),
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("%s API key accepted (length: %d chars)", providerName, len(key)),
	}
}

// ---------------------------------------------------------------------------
// ValidateProviderBaseURL
// ---------------------------------------------------------------------------

// ValidateProviderBaseURL validates a provider API base URL by checking the
// URL shape and then probing it with a HEAD request. Any HTTP response,
// including 4xx, counts as reachable: providers commonly reject unauthorized
// or method-mismatched requests at the root path, and all we need to know is
// that the host answers.
func (v *Validator) ValidateProviderBaseURL(ctx context.Context, rawURL, providerName string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s base URL must not be empty", providerName),
		}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("invalid URL format: %v", err),
		}
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("expected https:// (or http:// for sandboxes), got %q", parsed.Scheme),
		}
	}
	if parsed.Hostname() == "" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s base URL must include a host", providerName),
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}
	req.Header.Set("User-Agent", "Paygate-Bootstrap/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s base URL probe failed: %v", providerName, err),
		}
	}
	resp.Body.Close()

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("%s base URL reachable (HTTP %d from %s)", providerName, resp.StatusCode, parsed.Hostname()),
	}
}

// ---------------------------------------------------------------------------
// ValidateRegex
// ---------------------------------------------------------------------------

// ValidateRegex is a generic validator that checks whether the input matches
// the given regular expression pattern. It is used for inputs that cannot
// be actively probed.
func (v *Validator) ValidateRegex(_ context.Context, input, pattern, fieldName string) ValidationResult {
	input = strings.TrimSpace(input)
	if input == "" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s must not be empty", fieldName),
		}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("invalid regex pattern %q: %v", pattern, err),
		}
	}

	if !re.MatchString(input) {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s does not match expected format (pattern: %s)", fieldName, pattern),
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("%s format validated", fieldName),
	}
}
