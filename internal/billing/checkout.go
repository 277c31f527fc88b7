package billing

import (
	"context"
	"log/slog"
	"time"

	"paygate/internal/db"
	"paygate/internal/types"
)

// TransactionStore is the ledger surface checkout needs. Implemented by
// db.TransactionRepo.
type TransactionStore interface {
	Create(ctx context.Context, params db.CreateTransactionParams) (*types.Transaction, error)
	AttachProviderResponse(ctx context.Context, id, providerRef string, response []byte) error
	LinkSubscription(ctx context.Context, id, subscriptionID string) error
}

// SubscriptionCreator is the subscription surface checkout needs.
// Implemented by db.SubscriptionRepo.
type SubscriptionCreator interface {
	Create(ctx context.Context, params db.CreateSubscriptionParams) (*types.Subscription, error)
}

// Invoice is a provider-side payment intent created for a transaction.
type Invoice struct {
	ProviderRef string
	RedirectURL string
	Raw         []byte
}

// InvoiceCreator asks a payment provider to open an invoice for a pending
// transaction. Implemented by external.ProviderAPI.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, method types.PaymentMethod, transactionID string, amountCents int64, currency string) (*Invoice, error)
}

// CheckoutResult is what a purchase attempt hands back to the caller: the
// pending ledger pair plus, for provider-backed methods, where to send the
// user to pay.
type CheckoutResult struct {
	Transaction  *types.Transaction
	Subscription *types.Subscription
	RedirectURL  string
}

// CheckoutService creates the pending Transaction + Subscription pair for a
// purchase and, for provider-backed methods, opens the provider invoice.
// Activation is someone else's job: the pair stays pending until a verified
// confirmation reaches the ActivationService.
type CheckoutService struct {
	plans    PlanRegistry
	ledger   TransactionStore
	subs     SubscriptionCreator
	invoices InvoiceCreator
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewCheckoutService creates a CheckoutService.
func NewCheckoutService(
	plans PlanRegistry,
	ledger TransactionStore,
	subs SubscriptionCreator,
	invoices InvoiceCreator,
	logger *slog.Logger,
) *CheckoutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutService{
		plans:    plans,
		ledger:   ledger,
		subs:     subs,
		invoices: invoices,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNowFunc overrides the clock, for deterministic tests.
func (s *CheckoutService) WithNowFunc(now func() time.Time) *CheckoutService {
	s.nowFn = now
	return s
}

// Start begins a purchase: it records the pending transaction, creates the
// subscription with its entitlement window fixed at now + plan duration, and
// opens a provider invoice when the method has one.
//
// The expiry clock starts here, not at activation. A payment that settles
// slowly eats into its own window; it does not extend it.
func (s *CheckoutService) Start(ctx context.Context, userID, planID string, method types.PaymentMethod) (*CheckoutResult, error) {
	plan, ok := s.plans.GetPlan(planID)
	if !ok {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundPlan,
			"unknown plan",
			nil,
			map[string]any{"plan_id": planID},
		)
	}

	now := s.nowFn()

	tx, err := s.ledger.Create(ctx, db.CreateTransactionParams{
		UserID:      userID,
		Method:      method,
		AmountCents: plan.AmountCents,
		Currency:    plan.Currency,
	})
	if err != nil {
		return nil, err
	}

	sub, err := s.subs.Create(ctx, db.CreateSubscriptionParams{
		UserID:        userID,
		PlanID:        plan.ID,
		Method:        method,
		TransactionID: tx.ID,
		AmountCents:   plan.AmountCents,
		Currency:      plan.Currency,
		ExpiresAt:     now.Add(plan.Duration),
	})
	if err != nil {
		return nil, err
	}

	if err := s.ledger.LinkSubscription(ctx, tx.ID, sub.ID); err != nil {
		return nil, err
	}

	result := &CheckoutResult{Transaction: tx, Subscription: sub}

	// Manual methods have no provider; activation happens through the admin
	// path once proof of payment is reviewed.
	if method.Manual() {
		s.logger.InfoContext(ctx, "manual checkout started",
			slog.String("transaction_id", tx.ID),
			slog.String("method", string(method)),
		)
		return result, nil
	}

	inv, err := s.invoices.CreateInvoice(ctx, method, tx.ID, plan.AmountCents, plan.Currency)
	if err != nil {
		// The pending pair stays in place; the user can retry payment or the
		// status poller can pick it up if the provider accepted the invoice
		// but the response was lost.
		return nil, err
	}

	if err := s.ledger.AttachProviderResponse(ctx, tx.ID, inv.ProviderRef, inv.Raw); err != nil {
		return nil, err
	}

	result.RedirectURL = inv.RedirectURL
	s.logger.InfoContext(ctx, "checkout started",
		slog.String("transaction_id", tx.ID),
		slog.String("subscription_id", sub.ID),
		slog.String("method", string(method)),
		slog.String("plan_id", plan.ID),
	)
	return result, nil
}
