package providers

import (
	"crypto/sha256"
	"net/http"

	"paygate/internal/config"
	"paygate/internal/signing"
	"paygate/internal/types"
)

const zenipaySignatureField = "signature"

// Zenipay verifies notifications from the region-B mobile wallet.
// Scheme: salted SHA-256 digest, sha256(canonical || secret), signature in
// the body. Not an HMAC; the construction is fixed by the provider's API
// contract and must stay byte-compatible.
type Zenipay struct {
	secret types.SecretString
}

// NewZenipay creates the zenipay verifier from its provider config block.
func NewZenipay(cfg config.ProviderConfig) *Zenipay {
	return &Zenipay{secret: cfg.SigningSecret}
}

// Name returns the provider identifier.
func (z *Zenipay) Name() string { return string(types.MethodZenipay) }

// Verify authenticates the flattened payload against its embedded signature.
func (z *Zenipay) Verify(_ []byte, _ http.Header, fields map[string]string) error {
	if z.secret.IsZero() {
		return errNotConfigured(z.Name())
	}

	sig, ok := fields[zenipaySignatureField]
	if !ok || sig == "" {
		return errVerifyFailed(z.Name(), "missing signature field")
	}

	canonical := canonicalWithout(fields, zenipaySignatureField)
	want := signing.SaltedDigestHex(sha256.New, []byte(canonical), []byte(z.secret.Unmask()))
	if !signing.EqualHex(sig, want) {
		return errVerifyFailed(z.Name(), "signature mismatch")
	}
	return nil
}

var zenipayPaidStatuses = map[string]struct{}{
	"completed": {},
	"paid":      {},
}

// Parse normalizes a zenipay notification.
func (z *Zenipay) Parse(body []byte) (*Notification, error) {
	fields, err := FlattenFields(body)
	if err != nil {
		return nil, err
	}

	eventID, err := requireField(fields, z.Name(), "event_id")
	if err != nil {
		return nil, err
	}
	orderID, err := requireField(fields, z.Name(), "order_id")
	if err != nil {
		return nil, err
	}
	state, err := requireField(fields, z.Name(), "state")
	if err != nil {
		return nil, err
	}

	outcome := types.OutcomeNotPaid
	if _, ok := zenipayPaidStatuses[state]; ok {
		outcome = types.OutcomePaid
	}

	return &Notification{
		Provider:    z.Name(),
		DeliveryID:  eventID,
		OrderID:     orderID,
		ProviderRef: fields["payment_id"],
		RawStatus:   state,
		Outcome:     outcome,
		Fields:      fields,
	}, nil
}
