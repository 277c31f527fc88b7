package types

// redactedPlaceholder replaces secret values in logs and serialized output.
const redactedPlaceholder = "***REDACTED***"

// redactedJSON is the pre-computed JSON encoding of the redacted placeholder.
var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds sensitive values such as provider signing secrets and
// API keys. It overrides String() and MarshalJSON() to return a redacted
// placeholder so a secret can never leak through fmt functions, structured
// logs, or JSON-serialized config dumps.
//
// Use Unmask() to retrieve the raw plaintext value when it is genuinely
// needed (computing a signature, opening a database connection).
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret. Call sites should be
// few and deliberate: signature computation, connection strings, outbound
// Authorization headers.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether the secret is unset. Verifiers use this to fail
// closed when a provider secret is missing from configuration.
func (s SecretString) IsZero() bool {
	return s == ""
}
