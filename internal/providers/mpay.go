package providers

import (
	"crypto/sha256"
	"net/http"

	"paygate/internal/config"
	"paygate/internal/signing"
	"paygate/internal/types"
)

// mpaySignatureField is the body field carrying the signature. It is excluded
// from the canonical string it signs.
const mpaySignatureField = "sign"

// Mpay verifies notifications from the region-A mobile wallet.
// Scheme: HMAC-SHA256 over the canonical field string (sorted key=value
// pairs joined with "&", signature field removed), signature in the body.
type Mpay struct {
	secret types.SecretString
}

// NewMpay creates the mpay verifier from its provider config block.
func NewMpay(cfg config.ProviderConfig) *Mpay {
	return &Mpay{secret: cfg.SigningSecret}
}

// Name returns the provider identifier.
func (m *Mpay) Name() string { return string(types.MethodMpay) }

// Verify authenticates the flattened payload against its embedded signature.
func (m *Mpay) Verify(_ []byte, _ http.Header, fields map[string]string) error {
	if m.secret.IsZero() {
		return errNotConfigured(m.Name())
	}

	sig, ok := fields[mpaySignatureField]
	if !ok || sig == "" {
		return errVerifyFailed(m.Name(), "missing signature field")
	}

	canonical := canonicalWithout(fields, mpaySignatureField)
	want := signing.ComputeHMACHex(sha256.New, []byte(m.secret.Unmask()), []byte(canonical))
	if !signing.EqualHex(sig, want) {
		return errVerifyFailed(m.Name(), "signature mismatch")
	}
	return nil
}

var mpayPaidStatuses = map[string]struct{}{
	"success":   {},
	"confirmed": {},
}

// Parse normalizes an mpay notification.
func (m *Mpay) Parse(body []byte) (*Notification, error) {
	fields, err := FlattenFields(body)
	if err != nil {
		return nil, err
	}

	notifyID, err := requireField(fields, m.Name(), "notify_id")
	if err != nil {
		return nil, err
	}
	orderID, err := requireField(fields, m.Name(), "merchant_trans_id")
	if err != nil {
		return nil, err
	}
	status, err := requireField(fields, m.Name(), "status")
	if err != nil {
		return nil, err
	}

	outcome := types.OutcomeNotPaid
	if _, ok := mpayPaidStatuses[status]; ok {
		outcome = types.OutcomePaid
	}

	return &Notification{
		Provider:    m.Name(),
		DeliveryID:  notifyID,
		OrderID:     orderID,
		ProviderRef: fields["mpay_trans_id"],
		RawStatus:   status,
		Outcome:     outcome,
		Fields:      fields,
	}, nil
}
