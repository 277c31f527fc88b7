package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"paygate/internal/billing"
	"paygate/internal/core"
	"paygate/internal/external"
	"paygate/internal/telemetry"
	"paygate/internal/types"
)

// ---------------------------------------------------------------------------
// Interfaces for payments handler dependencies
// ---------------------------------------------------------------------------

// CheckoutStarter begins a purchase. Implemented by billing.CheckoutService.
type CheckoutStarter interface {
	Start(ctx context.Context, userID, planID string, method types.PaymentMethod) (*billing.CheckoutResult, error)
}

// TransactionGetter reads ledger rows. Implemented by db.TransactionRepo.
type TransactionGetter interface {
	GetByID(ctx context.Context, id string) (*types.Transaction, error)
}

// SubscriptionGetter reads subscription rows. Implemented by db.SubscriptionRepo.
type SubscriptionGetter interface {
	GetByTransactionID(ctx context.Context, transactionID string) (*types.Subscription, error)
}

// StatusChecker polls a provider for the settlement state of a payment.
// Implemented by external.ProviderAPI.
type StatusChecker interface {
	CheckStatus(ctx context.Context, method types.PaymentMethod, providerRef string) (*external.PaymentStatus, error)
}

// ---------------------------------------------------------------------------
// Payments Handler
// ---------------------------------------------------------------------------

// PaymentsHandler exposes checkout and the payment status poll.
//
// The status poll races the provider webhook by design: a user refreshing the
// payment page can observe settlement before the webhook arrives. Both paths
// funnel into the same idempotent activation, so whichever wins the result is
// identical.
type PaymentsHandler struct {
	checkout  CheckoutStarter
	txs       TransactionGetter
	subs      SubscriptionGetter
	status    StatusChecker
	activator Activator
	metrics   telemetry.Collector
	logger    *slog.Logger

	// pollGroup collapses concurrent status polls for the same transaction
	// into a single provider round trip.
	pollGroup singleflight.Group
}

// NewPaymentsHandler creates a PaymentsHandler. status may be nil when no
// provider API base URLs are configured; polling then reports stored state
// only. metrics may be nil.
func NewPaymentsHandler(
	checkout CheckoutStarter,
	txs TransactionGetter,
	subs SubscriptionGetter,
	status StatusChecker,
	activator Activator,
	metrics telemetry.Collector,
	logger *slog.Logger,
) *PaymentsHandler {
	if metrics == nil {
		metrics = telemetry.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentsHandler{
		checkout:  checkout,
		txs:       txs,
		subs:      subs,
		status:    status,
		activator: activator,
		metrics:   metrics,
		logger:    logger,
	}
}

// RegisterRoutes mounts the payments endpoints under the versioned API group.
func (h *PaymentsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/payments", h.StartCheckout)
	r.Get("/payments/{transactionID}/status", h.GetStatus)
}

// ---------------------------------------------------------------------------
// POST /v1/payments
// ---------------------------------------------------------------------------

type startCheckoutRequest struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
	Method string `json:"method"`
}

type checkoutResponse struct {
	Transaction  *types.Transaction  `json:"transaction"`
	Subscription *types.Subscription `json:"subscription"`
	RedirectURL  string              `json:"redirect_url,omitempty"`
}

// StartCheckout creates the pending transaction and subscription pair and,
// for provider-backed methods, returns the payment redirect.
func (h *PaymentsHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	var req startCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if req.UserID == "" || req.PlanID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"user_id and plan_id are required",
			nil,
		))
		return
	}

	method := types.PaymentMethod(req.Method)
	if !method.Valid() {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidMethod,
			"unknown payment method",
			nil,
			map[string]any{"method": req.Method},
		))
		return
	}

	result, err := h.checkout.Start(r.Context(), req.UserID, req.PlanID, method)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "checkout failed",
			"user_id", req.UserID,
			"plan_id", req.PlanID,
			"method", req.Method,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, checkoutResponse{
		Transaction:  result.Transaction,
		Subscription: result.Subscription,
		RedirectURL:  result.RedirectURL,
	})
}

// ---------------------------------------------------------------------------
// GET /v1/payments/{transactionID}/status
// ---------------------------------------------------------------------------

type paymentStatusResponse struct {
	TransactionID      string     `json:"transaction_id"`
	TransactionStatus  string     `json:"transaction_status"`
	Method             string     `json:"method"`
	ProviderRef        *string    `json:"provider_ref,omitempty"`
	SubscriptionID     string     `json:"subscription_id,omitempty"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// GetStatus reports the settlement and entitlement state of a payment.
//
// For a pending provider-backed transaction with a known provider reference,
// the handler polls the provider's status API. A paid answer triggers the
// same activation path the webhook dispatcher uses. Poll failures degrade to
// the stored state: the webhook or the next poll will catch up.
func (h *PaymentsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "transactionID")

	tx, err := h.txs.GetByID(ctx, txID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if h.shouldPoll(tx) {
		if refreshed := h.pollProvider(ctx, tx); refreshed != nil {
			tx = refreshed
		}
	}

	resp := paymentStatusResponse{
		TransactionID:     tx.ID,
		TransactionStatus: string(tx.Status),
		Method:            string(tx.Method),
		ProviderRef:       tx.ProviderRef,
	}

	sub, err := h.subs.GetByTransactionID(ctx, tx.ID)
	switch {
	case err == nil:
		resp.SubscriptionID = sub.ID
		resp.SubscriptionStatus = string(sub.Status)
		resp.ExpiresAt = &sub.ExpiresAt
	case isReferentialMiss(err):
		// A transaction without a subscription row is unusual but not an
		// error from the caller's point of view.
		h.logger.WarnContext(ctx, "transaction has no subscription",
			"transaction_id", tx.ID,
		)
	default:
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, resp)
}

// shouldPoll reports whether the transaction is worth a provider round trip.
func (h *PaymentsHandler) shouldPoll(tx *types.Transaction) bool {
	return h.status != nil &&
		tx.Status == types.TxStatusPending &&
		!tx.Method.Manual() &&
		tx.ProviderRef != nil && *tx.ProviderRef != ""
}

// pollProvider asks the provider for the payment state and activates on a
// paid answer. Returns the refreshed transaction, or nil if the stored state
// stands. Concurrent polls for the same transaction share one round trip.
func (h *PaymentsHandler) pollProvider(ctx context.Context, tx *types.Transaction) *types.Transaction {
	result, err, _ := h.pollGroup.Do(tx.ID, func() (any, error) {
		status, err := h.status.CheckStatus(ctx, tx.Method, *tx.ProviderRef)
		if err != nil {
			return nil, err
		}
		if status.Outcome != types.OutcomePaid {
			return nil, nil
		}

		if _, err := h.activator.Activate(ctx, tx.ID, *tx.ProviderRef, nil); err != nil {
			return nil, err
		}
		h.metrics.RecordActivation(ctx, "poll")

		refreshed, err := h.txs.GetByID(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		return refreshed, nil
	})
	if err != nil {
		// Degrade to stored state. An unreachable provider must not make the
		// status page error out.
		h.logger.WarnContext(ctx, "provider status poll failed",
			"transaction_id", tx.ID,
			"method", string(tx.Method),
			"error", err,
		)
		return nil
	}
	if result == nil {
		return nil
	}
	return result.(*types.Transaction)
}
