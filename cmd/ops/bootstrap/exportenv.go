package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ExportEnvConfig holds the inputs for ExportEnvFile.
type ExportEnvConfig struct {
	// OutputPath is where the .env file is written. Parent directories are
	// created as needed.
	OutputPath string

	// Environment is the SSM environment to read from (dev/staging/prod).
	Environment string

	// SSM reads the parameter values.
	SSM *SSMManager

	// Stderr receives progress output.
	Stderr io.Writer

	// IncludeLocalDefaults appends the local development defaults section
	// (APP_ENV=local, emulator endpoints, etc.) after the SSM-sourced values.
	IncludeLocalDefaults bool
}

// ssmToEnvMapping maps each bootstrap SSM category/key to the environment
// variable name the server's config loader reads. Every inventory step must
// have an entry here; derived parameters (the admin key hash) are included
// as well so the exported file is loadable as-is.
var ssmToEnvMapping = map[string]string{
	"database/url":              "DATABASE_URL",
	"redis/url":                 "REDIS_URL",
	"queue/reconcile_queue_url": "SQS_RECONCILE_QUEUE",

	"providers/coinbox/signing_secret": "COINBOX_SIGNING_SECRET",
	"providers/coinbox/api_key":        "COINBOX_API_KEY",
	"providers/coinbox/base_url":       "COINBOX_BASE_URL",

	"providers/mpay/signing_secret": "MPAY_SIGNING_SECRET",
	"providers/mpay/api_key":        "MPAY_API_KEY",
	"providers/mpay/base_url":       "MPAY_BASE_URL",

	"providers/zenipay/signing_secret": "ZENIPAY_SIGNING_SECRET",
	"providers/zenipay/api_key":        "ZENIPAY_API_KEY",
	"providers/zenipay/base_url":       "ZENIPAY_BASE_URL",

	"providers/oson/signing_secret": "OSON_SIGNING_SECRET",
	"providers/oson/api_key":        "OSON_API_KEY",
	"providers/oson/base_url":       "OSON_BASE_URL",

	"providers/bankflow/signing_secret": "BANKFLOW_SIGNING_SECRET",
	"providers/bankflow/api_key":        "BANKFLOW_API_KEY",
	"providers/bankflow/base_url":       "BANKFLOW_BASE_URL",

	// The server authenticates against the hash; the plaintext is exported
	// too so local curl sessions have a key to present.
	"admin/api_key":      "ADMIN_API_KEY",
	"admin/api_key_hash": "ADMIN_API_KEY_HASH",
}

// secretSSMKeys marks the category/keys whose values are SecureString in SSM
// and therefore need WithDecryption on read. Everything except provider base
// URLs and the queue URL is a secret.
func isSecretSSMKey(categoryKey string) bool {
	if strings.HasSuffix(categoryKey, "/base_url") {
		return false
	}
	return categoryKey != "queue/reconcile_queue_url"
}

// localDevDefaults are the environment variables a local development setup
// needs that are not sourced from SSM: runtime mode, listen address, and
// emulator endpoints. Values assume LocalStack on the default port.
var localDevDefaults = map[string]string{
	"APP_ENV":          "local",
	"SERVICE_NAME":     "paygate",
	"PORT":             "8080",
	"LOG_LEVEL":        "debug",
	"API_EXTERNAL_URL": "http://localhost:8080",
	"AWS_REGION":       "us-east-1",
	"AWS_ENDPOINT_URL": "http://localhost:4566",
	"ENABLE_METRICS":   "false",
}

// ExportEnvFile reads the bootstrap parameters back from SSM and writes them
// to a .env file for local development. Parameters missing from SSM (skipped
// optional steps) are omitted rather than failing the export; an error is
// returned only if nothing at all could be read.
//
// The file is written with 0600 permissions since it contains decrypted
// secrets.
func ExportEnvFile(ctx context.Context, cfg ExportEnvConfig) error {
	if cfg.SSM == nil {
		return fmt.Errorf("export-env: SSM manager is required")
	}
	if cfg.OutputPath == "" {
		return fmt.Errorf("export-env: output path is required")
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}

	// Deterministic output order.
	keys := make([]string, 0, len(ssmToEnvMapping))
	for k := range ssmToEnvMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("# Auto-generated by bootstrap --export-env\n")
	sb.WriteString(fmt.Sprintf("# Environment: %s\n", cfg.Environment))
	sb.WriteString("#\n")
	sb.WriteString("# SECURITY WARNING: this file contains decrypted secrets.\n")
	sb.WriteString("# Do not commit it. It is intended for local development only.\n")
	sb.WriteString("\n")

	written := 0
	for _, categoryKey := range keys {
		envVar := ssmToEnvMapping[categoryKey]
		path := cfg.SSM.SSMPath(categoryKey)

		value, err := cfg.SSM.GetParameterValue(ctx, path, isSecretSSMKey(categoryKey))
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("export-env cancelled: %w", ctx.Err())
			}
			// Skipped optional parameters simply do not exist in SSM.
			fmt.Fprintf(cfg.Stderr, "  Skipping %s (not in SSM)\n", envVar)
			continue
		}

		sb.WriteString(formatEnvLine(envVar, value))
		sb.WriteString("\n")
		written++
	}

	if written == 0 {
		return fmt.Errorf("export-env: no parameters could be read from SSM for environment %q", cfg.Environment)
	}

	if cfg.IncludeLocalDefaults {
		sb.WriteString("\n# Local Development Defaults\n")

		defaultKeys := make([]string, 0, len(localDevDefaults))
		for k := range localDevDefaults {
			defaultKeys = append(defaultKeys, k)
		}
		sort.Strings(defaultKeys)

		for _, envVar := range defaultKeys {
			sb.WriteString(formatEnvLine(envVar, localDevDefaults[envVar]))
			sb.WriteString("\n")
		}
	}

	if dir := filepath.Dir(cfg.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	// 0600: the file holds decrypted secrets.
	if err := os.WriteFile(cfg.OutputPath, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("writing env file %q: %w", cfg.OutputPath, err)
	}

	fmt.Fprintf(cfg.Stderr, "\n  Environment file exported: %s\n", cfg.OutputPath)
	fmt.Fprintf(cfg.Stderr, "  Parameters written: %d\n", written)
	fmt.Fprintf(cfg.Stderr, "  File permissions: 0600 (owner read/write only)\n")

	return nil
}

// envNeedsQuoting reports whether the value contains characters that require
// double-quoting in a .env file.
func envNeedsQuoting(value string) bool {
	if value == "" {
		return true
	}
	return strings.ContainsAny(value, " \t\n\"'#$\\{}`")
}

// formatEnvLine renders a single KEY=value line, quoting and escaping the
// value when needed.
func formatEnvLine(key, value string) string {
	if !envNeedsQuoting(value) {
		return key + "=" + value
	}

	escaped := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
	).Replace(value)

	return key + `="` + escaped + `"`
}
