// Package providers implements webhook authenticity verification and payload
// normalization for each supported payment provider.
//
// Every provider gets one strategy type implementing Verifier. Verification
// always happens against the exact raw bytes received, before any other
// processing; the dispatcher refuses to touch dedup or the ledger until
// Verify has passed. A provider whose signing secret is not configured fails
// closed with verify_not_configured.
package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"paygate/internal/config"
	"paygate/internal/signing"
	"paygate/internal/types"
)

// Notification is the normalized form of a provider webhook payload. RawStatus
// preserves the provider's own status vocabulary for logging; Outcome is the
// canonical mapping the activation path switches on.
type Notification struct {
	Provider    string
	DeliveryID  string
	OrderID     string // our transaction ID, echoed back by the provider
	ProviderRef string // provider-side payment identifier, may be empty
	RawStatus   string
	Outcome     types.PaymentOutcome
	Fields      map[string]string
}

// Verifier is the per-provider strategy the webhook dispatcher drives.
//
// Verify authenticates the raw request. For header-signed providers the
// fields argument is ignored; for body-signed providers it carries the
// flattened payload the canonical string is built from.
//
// Parse extracts the normalized Notification. It is only called after Verify
// has succeeded.
type Verifier interface {
	Name() string
	Verify(body []byte, header http.Header, fields map[string]string) error
	Parse(body []byte) (*Notification, error)
}

// Registry maps provider identifiers to their verifier strategies.
type Registry struct {
	verifiers map[string]Verifier
}

// NewRegistry builds the registry for the full provider roster. Providers
// without configured secrets are still registered; their verifiers fail
// closed on every request.
func NewRegistry(cfg config.ProvidersConfig) *Registry {
	r := &Registry{verifiers: make(map[string]Verifier)}
	for _, v := range []Verifier{
		NewCoinbox(cfg.Coinbox),
		NewMpay(cfg.Mpay),
		NewZenipay(cfg.Zenipay),
		NewOson(cfg.Oson),
		NewBankflow(cfg.Bankflow),
	} {
		r.verifiers[v.Name()] = v
	}
	return r
}

// Get returns the verifier for the given provider identifier.
func (r *Registry) Get(name string) (Verifier, bool) {
	v, ok := r.verifiers[name]
	return v, ok
}

// Names returns the registered provider identifiers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.verifiers))
	for n := range r.verifiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FlattenFields decodes a JSON webhook body into a flat string map: the form
// canonical signing strings are built from. Scalar values are stringified the
// way providers sign them (numbers keep their original notation via
// json.Number, booleans render as true/false, null as the empty string).
// Nested objects and arrays are not part of any provider's signing base and
// are skipped.
func FlattenFields(body []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidPayload,
			"webhook body is not a JSON object",
			err,
		)
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			if val {
				fields[k] = "true"
			} else {
				fields[k] = "false"
			}
		case nil:
			fields[k] = ""
		}
	}
	return fields, nil
}

// canonicalWithout builds the canonical signing string over all fields except
// the signature field itself.
func canonicalWithout(fields map[string]string, signatureField string) string {
	rest := make(map[string]string, len(fields))
	for k, v := range fields {
		if k == signatureField {
			continue
		}
		rest[k] = v
	}
	return signing.CanonicalForm(rest)
}

// errNotConfigured is the fail-closed error for providers whose signing
// secret is absent from configuration.
func errNotConfigured(provider string) *types.AppError {
	return types.NewAppError(
		types.ErrCodeVerifyNotConfigured,
		fmt.Sprintf("provider %s has no signing secret configured", provider),
		nil,
	)
}

// errVerifyFailed is the uniform rejection for any authenticity failure.
// The reason goes into Details for logs; the message stays generic so the
// response body gives a forger nothing to work with.
func errVerifyFailed(provider, reason string) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeVerifyFailed,
		"webhook signature verification failed",
		nil,
		map[string]any{"provider": provider, "reason": reason},
	)
}

// requireField pulls a mandatory field out of the flattened payload.
func requireField(fields map[string]string, provider, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			fmt.Sprintf("webhook payload is missing required field %q", key),
			nil,
			map[string]any{"provider": provider, "field": key},
		)
	}
	return v, nil
}
