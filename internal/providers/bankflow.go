package providers

import (
	"crypto/sha256"
	"net/http"

	"paygate/internal/config"
	"paygate/internal/signing"
	"paygate/internal/types"
)

// BankflowSignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const BankflowSignatureHeader = "X-Bankflow-Signature"

// Bankflow verifies notifications from the bank-payment gateway.
// Scheme: HMAC-SHA256 over the raw body, signature in a request header.
// The gateway emits lowercase hex; both sides are lowercased before the
// constant-time comparison regardless.
type Bankflow struct {
	secret types.SecretString
}

// NewBankflow creates the bankflow verifier from its provider config block.
func NewBankflow(cfg config.ProviderConfig) *Bankflow {
	return &Bankflow{secret: cfg.SigningSecret}
}

// Name returns the provider identifier.
func (b *Bankflow) Name() string { return string(types.MethodBankflow) }

// Verify authenticates the raw body against the X-Bankflow-Signature header.
func (b *Bankflow) Verify(body []byte, header http.Header, _ map[string]string) error {
	if b.secret.IsZero() {
		return errNotConfigured(b.Name())
	}

	sig := header.Get(BankflowSignatureHeader)
	if sig == "" {
		return errVerifyFailed(b.Name(), "missing signature header")
	}

	want := signing.ComputeHMACHex(sha256.New, []byte(b.secret.Unmask()), body)
	if !signing.EqualHex(sig, want) {
		return errVerifyFailed(b.Name(), "signature mismatch")
	}
	return nil
}

var bankflowPaidStatuses = map[string]struct{}{
	"confirmed": {},
	"finished":  {},
}

// Parse normalizes a bankflow notification.
func (b *Bankflow) Parse(body []byte) (*Notification, error) {
	fields, err := FlattenFields(body)
	if err != nil {
		return nil, err
	}

	deliveryID, err := requireField(fields, b.Name(), "delivery_id")
	if err != nil {
		return nil, err
	}
	orderID, err := requireField(fields, b.Name(), "reference")
	if err != nil {
		return nil, err
	}
	status, err := requireField(fields, b.Name(), "status")
	if err != nil {
		return nil, err
	}

	outcome := types.OutcomeNotPaid
	if _, ok := bankflowPaidStatuses[status]; ok {
		outcome = types.OutcomePaid
	}

	return &Notification{
		Provider:    b.Name(),
		DeliveryID:  deliveryID,
		OrderID:     orderID,
		ProviderRef: fields["bank_txn_id"],
		RawStatus:   status,
		Outcome:     outcome,
		Fields:      fields,
	}, nil
}
