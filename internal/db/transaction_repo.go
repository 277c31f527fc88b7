package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"paygate/internal/types"
)

// transactionColumns is the column list shared by every query that scans a
// full transaction row. Order must match scanTransaction.
const transactionColumns = `id, user_id, subscription_id, method, amount_cents, currency,
	status, provider_ref, provider_response, webhook_payload, created_at, updated_at`

// TransactionRepo is the payment ledger.
//
// Key invariants:
//   - MarkCompleted is a single conditional UPDATE: pending rows complete,
//     completed rows with the same provider_ref are idempotent no-ops, and a
//     completed row is never re-pointed at a different provider_ref
//     (first writer wins).
//   - provider_ref is write-once; COALESCE in the UPDATE preserves an
//     existing value.
type TransactionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewTransactionRepo creates a TransactionRepo backed by the given database
// connection (pool or transaction).
func NewTransactionRepo(db DBTX, logger *slog.Logger) *TransactionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionRepo{db: db, logger: logger}
}

// CreateTransactionParams carries the caller-supplied fields for a new
// pending transaction.
type CreateTransactionParams struct {
	UserID      string
	Method      types.PaymentMethod
	AmountCents int64
	Currency    string
}

// Create inserts a new pending transaction and returns the stored row.
func (r *TransactionRepo) Create(ctx context.Context, params CreateTransactionParams) (*types.Transaction, error) {
	id := uuid.New().String()

	row := r.db.QueryRow(ctx,
		`INSERT INTO transactions (id, user_id, method, amount_cents, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', NOW(), NOW())
		 RETURNING `+transactionColumns,
		id, params.UserID, params.Method, params.AmountCents, params.Currency,
	)

	tx, err := scanTransaction(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create transaction", err)
	}
	return tx, nil
}

// GetByID returns the transaction with the given ID.
func (r *TransactionRepo) GetByID(ctx context.Context, id string) (*types.Transaction, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`,
		id,
	)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load transaction", err)
	}
	return tx, nil
}

// AttachProviderResponse stores the provider's invoice-creation response blob
// and the provider payment reference returned with it. The ref only lands if
// the column is still NULL (write-once).
func (r *TransactionRepo) AttachProviderResponse(ctx context.Context, id, providerRef string, response []byte) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions
		 SET provider_response = $2,
		     provider_ref = COALESCE(provider_ref, NULLIF($3, '')),
		     updated_at = NOW()
		 WHERE id = $1`,
		id, response, providerRef,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to attach provider response", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
	}
	return nil
}

// LinkSubscription records the subscription created for this transaction.
func (r *TransactionRepo) LinkSubscription(ctx context.Context, id, subscriptionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET subscription_id = $2, updated_at = NOW() WHERE id = $1`,
		id, subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
	}
	return nil
}

// MarkCompleted transitions the transaction to completed with the given
// provider reference, storing the webhook payload that proved the payment.
//
// The WHERE clause makes the write atomic and idempotent in one statement:
//
//   - pending row: completes normally.
//   - completed row with the same provider_ref: matched and rewritten
//     identically, an idempotent no-op for webhook replays.
//   - completed row with a DIFFERENT provider_ref: not matched. The original
//     reference is never overwritten; callers get conflict_provider_ref and
//     the row as it stands.
//   - failed/cancelled row: not matched; conflict_transaction_state.
func (r *TransactionRepo) MarkCompleted(ctx context.Context, id, providerRef string, webhookPayload []byte) (*types.Transaction, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE transactions
		 SET status = 'completed',
		     provider_ref = COALESCE(provider_ref, $2),
		     webhook_payload = COALESCE($3, webhook_payload),
		     updated_at = NOW()
		 WHERE id = $1
		   AND (status = 'pending' OR (status = 'completed' AND provider_ref = $2))
		 RETURNING `+transactionColumns,
		id, providerRef, webhookPayload,
	)

	tx, err := scanTransaction(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to mark transaction completed", err)
	}

	// No row matched. Reload to tell "missing" apart from "state conflict".
	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}

	if existing.Status == types.TxStatusCompleted {
		storedRef := ""
		if existing.ProviderRef != nil {
			storedRef = *existing.ProviderRef
		}
		r.logger.WarnContext(ctx, "provider ref conflict on completed transaction",
			slog.String("transaction_id", id),
			slog.String("stored_provider_ref", storedRef),
			slog.String("incoming_provider_ref", providerRef),
		)
		return existing, types.NewAppErrorWithDetails(
			types.ErrCodeConflictProviderRef,
			"transaction already completed with a different provider reference",
			nil,
			map[string]any{"transaction_id": id},
		)
	}

	return existing, types.NewAppErrorWithDetails(
		types.ErrCodeConflictTxState,
		"transaction is not in a completable state",
		nil,
		map[string]any{"transaction_id": id, "status": string(existing.Status)},
	)
}

// scanTransaction scans one full transaction row in transactionColumns order.
func scanTransaction(row pgx.Row) (*types.Transaction, error) {
	var tx types.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.SubscriptionID,
		&tx.Method,
		&tx.AmountCents,
		&tx.Currency,
		&tx.Status,
		&tx.ProviderRef,
		&tx.ProviderResponse,
		&tx.WebhookPayload,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
