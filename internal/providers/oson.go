package providers

import (
	"crypto/md5"
	"net/http"

	"paygate/internal/config"
	"paygate/internal/signing"
	"paygate/internal/types"
)

const osonSignatureField = "sign"

// Oson verifies notifications from the region-C legacy wallet.
// Scheme: salted MD5 digest, md5(canonical || secret), signature in the body.
//
// MD5 is required verbatim by the provider's integration contract and cannot
// be upgraded unilaterally; the comparison itself is still constant-time and
// the digest authenticates, it does not encrypt.
type Oson struct {
	secret types.SecretString
}

// NewOson creates the oson verifier from its provider config block.
func NewOson(cfg config.ProviderConfig) *Oson {
	return &Oson{secret: cfg.SigningSecret}
}

// Name returns the provider identifier.
func (o *Oson) Name() string { return string(types.MethodOson) }

// Verify authenticates the flattened payload against its embedded signature.
func (o *Oson) Verify(_ []byte, _ http.Header, fields map[string]string) error {
	if o.secret.IsZero() {
		return errNotConfigured(o.Name())
	}

	sig, ok := fields[osonSignatureField]
	if !ok || sig == "" {
		return errVerifyFailed(o.Name(), "missing signature field")
	}

	canonical := canonicalWithout(fields, osonSignatureField)
	want := signing.SaltedDigestHex(md5.New, []byte(canonical), []byte(o.secret.Unmask()))
	if !signing.EqualHex(sig, want) {
		return errVerifyFailed(o.Name(), "signature mismatch")
	}
	return nil
}

// oson reports payment state as the numeric string "1" on success; some
// integrations also send the literal "paid".
var osonPaidStatuses = map[string]struct{}{
	"1":    {},
	"paid": {},
}

// Parse normalizes an oson notification.
func (o *Oson) Parse(body []byte) (*Notification, error) {
	fields, err := FlattenFields(body)
	if err != nil {
		return nil, err
	}

	notificationID, err := requireField(fields, o.Name(), "notification_id")
	if err != nil {
		return nil, err
	}
	orderID, err := requireField(fields, o.Name(), "order_id")
	if err != nil {
		return nil, err
	}
	status, err := requireField(fields, o.Name(), "status")
	if err != nil {
		return nil, err
	}

	outcome := types.OutcomeNotPaid
	if _, ok := osonPaidStatuses[status]; ok {
		outcome = types.OutcomePaid
	}

	return &Notification{
		Provider:    o.Name(),
		DeliveryID:  notificationID,
		OrderID:     orderID,
		ProviderRef: fields["trans_id"],
		RawStatus:   status,
		Outcome:     outcome,
		Fields:      fields,
	}, nil
}
