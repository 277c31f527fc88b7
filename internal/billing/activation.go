package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"paygate/internal/types"
)

// Ledger is the subset of the transaction repository the activation engine
// drives. Implemented by db.TransactionRepo.
type Ledger interface {
	MarkCompleted(ctx context.Context, id, providerRef string, webhookPayload []byte) (*types.Transaction, error)
}

// SubscriptionStore is the subset of the subscription repository the
// activation engine drives. Implemented by db.SubscriptionRepo.
type SubscriptionStore interface {
	Activate(ctx context.Context, transactionID, providerRef string, now time.Time) (*types.Subscription, error)
}

// ActivationService converts a confirmed payment into an active entitlement.
// Every confirmation source funnels through it: the webhook dispatcher, the
// status poller, the reconciler worker, and the admin path for manual payment
// methods. Because both underlying writes are conditional updates, calling
// Activate any number of times for the same transaction yields the same end
// state.
type ActivationService struct {
	ledger Ledger
	subs   SubscriptionStore
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewActivationService creates an ActivationService.
func NewActivationService(ledger Ledger, subs SubscriptionStore, logger *slog.Logger) *ActivationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivationService{
		ledger: ledger,
		subs:   subs,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithNowFunc overrides the clock, for deterministic tests.
func (s *ActivationService) WithNowFunc(now func() time.Time) *ActivationService {
	s.nowFn = now
	return s
}

// Activate completes the transaction and activates its subscription.
// webhookPayload is the raw notification that proved the payment; it may be
// nil for poll- or admin-driven activations.
//
// Error semantics for callers:
//
//   - not_found_transaction / not_found_subscription: a referential miss.
//     Retryable out of band; nothing was mutated that matters.
//   - conflict_provider_ref: the ledger already holds a different provider
//     reference for this completed transaction. The stored value wins; the
//     anomaly is logged here and the subscription is still driven to its
//     correct state, so callers treat this as success.
//   - anything else: a real failure, propagate.
func (s *ActivationService) Activate(ctx context.Context, transactionID, providerRef string, webhookPayload []byte) (*types.Subscription, error) {
	tx, err := s.ledger.MarkCompleted(ctx, transactionID, providerRef, webhookPayload)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictProviderRef {
			// First writer wins. The payment itself is settled; continue to
			// the subscription with the reference the ledger kept.
			s.logger.WarnContext(ctx, "provider_ref_conflict",
				slog.String("transaction_id", transactionID),
				slog.String("incoming_provider_ref", providerRef),
			)
			if tx != nil && tx.ProviderRef != nil {
				providerRef = *tx.ProviderRef
			}
		} else {
			return nil, err
		}
	}

	sub, err := s.subs.Activate(ctx, transactionID, providerRef, s.nowFn())
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription activation applied",
		slog.String("transaction_id", transactionID),
		slog.String("subscription_id", sub.ID),
		slog.String("status", string(sub.Status)),
		slog.Time("expires_at", sub.ExpiresAt),
	)
	return sub, nil
}
