package providers

import (
	"crypto/sha512"
	"net/http"

	"paygate/internal/config"
	"paygate/internal/signing"
	"paygate/internal/types"
)

// CoinboxSignatureHeader carries the hex HMAC-SHA512 of the raw request body.
const CoinboxSignatureHeader = "X-Coinbox-Signature"

// Coinbox verifies notifications from the crypto-invoice aggregator.
// Scheme: HMAC-SHA512 over the raw body, signature in a request header,
// case-insensitive hex comparison.
type Coinbox struct {
	secret types.SecretString
}

// NewCoinbox creates the coinbox verifier from its provider config block.
func NewCoinbox(cfg config.ProviderConfig) *Coinbox {
	return &Coinbox{secret: cfg.SigningSecret}
}

// Name returns the provider identifier.
func (c *Coinbox) Name() string { return string(types.MethodCoinbox) }

// Verify authenticates the raw body against the X-Coinbox-Signature header.
func (c *Coinbox) Verify(body []byte, header http.Header, _ map[string]string) error {
	if c.secret.IsZero() {
		return errNotConfigured(c.Name())
	}

	sig := header.Get(CoinboxSignatureHeader)
	if sig == "" {
		return errVerifyFailed(c.Name(), "missing signature header")
	}

	want := signing.ComputeHMACHex(sha512.New, []byte(c.secret.Unmask()), body)
	if !signing.EqualHex(sig, want) {
		return errVerifyFailed(c.Name(), "signature mismatch")
	}
	return nil
}

// coinboxPaidStatuses are the vocabulary values that mean the invoice is
// settled. "pending_confirmation" and friends stay not-yet-paid; coinbox
// re-sends a fresh notification once enough confirmations accumulate.
var coinboxPaidStatuses = map[string]struct{}{
	"paid":      {},
	"confirmed": {},
}

// Parse normalizes a coinbox notification.
func (c *Coinbox) Parse(body []byte) (*Notification, error) {
	fields, err := FlattenFields(body)
	if err != nil {
		return nil, err
	}

	eventID, err := requireField(fields, c.Name(), "event_id")
	if err != nil {
		return nil, err
	}
	orderID, err := requireField(fields, c.Name(), "order_id")
	if err != nil {
		return nil, err
	}
	status, err := requireField(fields, c.Name(), "status")
	if err != nil {
		return nil, err
	}

	outcome := types.OutcomeNotPaid
	if _, ok := coinboxPaidStatuses[status]; ok {
		outcome = types.OutcomePaid
	}

	return &Notification{
		Provider:    c.Name(),
		DeliveryID:  eventID,
		OrderID:     orderID,
		ProviderRef: fields["txn_id"],
		RawStatus:   status,
		Outcome:     outcome,
		Fields:      fields,
	}, nil
}
