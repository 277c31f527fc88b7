// Package types defines the shared domain model for the paygate platform:
// payment transactions, subscriptions, webhook delivery records, and the
// application error taxonomy. It has no dependencies on other internal
// packages so every layer can import it freely.
package types

import (
	"encoding/json"
	"time"
)

// PaymentMethod identifies the channel through which a payment was collected.
// The first five values correspond to webhook-sending providers; the manual
// variants have no provider and are activated through the admin path.
type PaymentMethod string

const (
	MethodCoinbox  PaymentMethod = "coinbox"
	MethodMpay     PaymentMethod = "mpay"
	MethodZenipay  PaymentMethod = "zenipay"
	MethodOson     PaymentMethod = "oson"
	MethodBankflow PaymentMethod = "bankflow"

	MethodManualBankTransfer PaymentMethod = "manual_bank_transfer"
	MethodManualCash         PaymentMethod = "manual_cash"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCoinbox, MethodMpay, MethodZenipay, MethodOson, MethodBankflow,
		MethodManualBankTransfer, MethodManualCash:
		return true
	}
	return false
}

// Manual reports whether m is a manual payment method with no webhook-sending
// provider behind it.
func (m PaymentMethod) Manual() bool {
	return m == MethodManualBankTransfer || m == MethodManualCash
}

// TransactionStatus is the lifecycle state of a payment transaction.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusCancelled TransactionStatus = "cancelled"
)

// SubscriptionStatus is the lifecycle state of a subscription.
//
// Transitions: pending -> active (activation), active -> expired (sweep),
// pending/active -> cancelled (admin). Activation of an already-active
// subscription is an idempotent no-op.
type SubscriptionStatus string

const (
	SubStatusPending   SubscriptionStatus = "pending"
	SubStatusActive    SubscriptionStatus = "active"
	SubStatusExpired   SubscriptionStatus = "expired"
	SubStatusCancelled SubscriptionStatus = "cancelled"
)

// PaymentOutcome is the canonical outcome a provider notification maps to
// after status vocabulary normalization. Anything that is not an affirmative
// "paid" signal is OutcomeNotPaid and never triggers activation.
type PaymentOutcome string

const (
	OutcomePaid    PaymentOutcome = "paid"
	OutcomeNotPaid PaymentOutcome = "not_yet_paid"
)

// Transaction is the ledger record for a single payment attempt. ID is a
// UUID generated at creation; ProviderRef is the provider-side identifier
// and is write-once (first writer wins).
type Transaction struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	SubscriptionID   *string           `json:"subscription_id,omitempty"`
	Method           PaymentMethod     `json:"method"`
	AmountCents      int64             `json:"amount_cents"`
	Currency         string            `json:"currency"`
	Status           TransactionStatus `json:"status"`
	ProviderRef      *string           `json:"provider_ref,omitempty"`
	ProviderResponse json.RawMessage   `json:"provider_response,omitempty"`
	WebhookPayload   json.RawMessage   `json:"webhook_payload,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Subscription is the entitlement record. ExpiresAt is fixed when the row is
// created (purchase time + plan duration) and is never moved by activation.
type Subscription struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	PlanID        string             `json:"plan_id"`
	Status        SubscriptionStatus `json:"status"`
	Method        PaymentMethod      `json:"method"`
	TransactionID string             `json:"transaction_id"`
	ProviderRef   *string            `json:"provider_ref,omitempty"`
	AmountCents   int64              `json:"amount_cents"`
	Currency      string             `json:"currency"`
	ActivatedAt   *time.Time         `json:"activated_at,omitempty"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Metadata      json.RawMessage    `json:"metadata,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// DeliveryRecord is one row of the durable webhook delivery log. The
// (Provider, DeliveryID) pair is unique; inserting a duplicate is how the
// dispatcher detects a replay.
type DeliveryRecord struct {
	ID         int64           `json:"id"`
	Provider   string          `json:"provider"`
	DeliveryID string          `json:"delivery_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// RevenueLine is one row of a completed-revenue aggregation, grouped by
// payment method and currency. Amounts in different currencies are never
// summed together.
type RevenueLine struct {
	Method      PaymentMethod `json:"method"`
	Currency    string        `json:"currency"`
	AmountCents int64         `json:"amount_cents"`
}

// ReconcileMessage is the SQS payload published when a verified paid
// notification references a transaction the ledger does not have yet
// (webhook arrived before the purchase row committed, or the purchase
// happened on another system). The reconciler worker replays activation.
type ReconcileMessage struct {
	TraceID       string    `json:"trace_id"`
	Provider      string    `json:"provider"`
	TransactionID string    `json:"transaction_id"`
	ProviderRef   string    `json:"provider_ref,omitempty"`
	DeliveryID    string    `json:"delivery_id"`
	ReceivedAt    time.Time `json:"received_at"`
	Attempt       int       `json:"attempt"`
}
