package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"paygate/internal/types"
)

const subscriptionColumns = `id, user_id, plan_id, status, method, transaction_id, provider_ref,
	amount_cents, currency, activated_at, expires_at, metadata, created_at, updated_at`

// SubscriptionRepo manages subscription entitlement rows.
//
// Key invariants:
//   - Activate is one conditional UPDATE gated on status IN
//     ('pending','active'); re-activating an active row is an idempotent
//     no-op that changes nothing.
//   - expires_at is set once at creation (purchase time + plan duration) and
//     no later write ever touches it. Payment settling slowly consumes the
//     entitlement window, it does not extend it.
//   - ExpireDue is a bulk conditional UPDATE that is safe to re-run.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given database
// connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// CreateSubscriptionParams carries the fields for a new pending subscription.
// ExpiresAt must already be computed by the caller (creation time + plan
// duration).
type CreateSubscriptionParams struct {
	UserID        string
	PlanID        string
	Method        types.PaymentMethod
	TransactionID string
	AmountCents   int64
	Currency      string
	ExpiresAt     time.Time
	Metadata      []byte
}

// Create inserts a new pending subscription and returns the stored row.
func (r *SubscriptionRepo) Create(ctx context.Context, params CreateSubscriptionParams) (*types.Subscription, error) {
	id := uuid.New().String()

	row := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions
		   (id, user_id, plan_id, status, method, transaction_id, amount_cents, currency, expires_at, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 RETURNING `+subscriptionColumns,
		id, params.UserID, params.PlanID, params.Method, params.TransactionID,
		params.AmountCents, params.Currency, params.ExpiresAt, params.Metadata,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return sub, nil
}

// GetByTransactionID returns the subscription purchased by the given
// transaction. transaction_id is unique, one subscription per purchase.
func (r *SubscriptionRepo) GetByTransactionID(ctx context.Context, transactionID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE transaction_id = $1`,
		transactionID,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// GetByID returns the subscription with the given ID.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`,
		id,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// Activate transitions the subscription for the given transaction to active.
//
// One conditional UPDATE enforces the whole contract:
//
//   - pending row: becomes active, provider_ref and activated_at are stamped.
//   - active row: matched again but COALESCE keeps the original provider_ref
//     and activated_at, so a replayed activation changes nothing.
//   - expired/cancelled row: not matched; the terminal state wins and the
//     current row is returned untouched.
//
// expires_at is deliberately absent from the SET list.
func (r *SubscriptionRepo) Activate(ctx context.Context, transactionID, providerRef string, now time.Time) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE subscriptions
		 SET status = 'active',
		     provider_ref = COALESCE(provider_ref, NULLIF($2, '')),
		     activated_at = COALESCE(activated_at, $3),
		     updated_at = NOW()
		 WHERE transaction_id = $1
		   AND status IN ('pending', 'active')
		 RETURNING `+subscriptionColumns,
		transactionID, providerRef, now,
	)

	sub, err := scanSubscription(row)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to activate subscription", err)
	}

	// Not matched: either no subscription exists for this transaction, or it
	// is already in a terminal state.
	existing, getErr := r.GetByTransactionID(ctx, transactionID)
	if getErr != nil {
		return nil, getErr
	}

	r.logger.WarnContext(ctx, "activation skipped for terminal subscription",
		slog.String("transaction_id", transactionID),
		slog.String("subscription_id", existing.ID),
		slog.String("status", string(existing.Status)),
	)
	return existing, nil
}

// Cancel transitions a pending or active subscription to cancelled. An
// expired or already-cancelled row is not matched; its terminal state wins
// and the current row is returned so the caller can report it.
func (r *SubscriptionRepo) Cancel(ctx context.Context, id string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE subscriptions
		 SET status = 'cancelled',
		     updated_at = NOW()
		 WHERE id = $1
		   AND status IN ('pending', 'active')
		 RETURNING `+subscriptionColumns,
		id,
	)

	sub, err := scanSubscription(row)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}

	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}

	r.logger.WarnContext(ctx, "cancel skipped for terminal subscription",
		slog.String("subscription_id", existing.ID),
		slog.String("status", string(existing.Status)),
	)
	return existing, nil
}

// ExpireDue flips every active subscription whose entitlement window has
// passed to expired, returning the number of rows changed. The conditional
// WHERE makes overlapping or repeated sweeps harmless: a row already expired
// no longer matches.
func (r *SubscriptionRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'expired',
		     updated_at = NOW()
		 WHERE status = 'active'
		   AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire due subscriptions", err)
	}
	return tag.RowsAffected(), nil
}

// scanSubscription scans one full subscription row in subscriptionColumns order.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanID,
		&sub.Status,
		&sub.Method,
		&sub.TransactionID,
		&sub.ProviderRef,
		&sub.AmountCents,
		&sub.Currency,
		&sub.ActivatedAt,
		&sub.ExpiresAt,
		&sub.Metadata,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
