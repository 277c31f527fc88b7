package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paygate/internal/billing"
	"paygate/internal/core"
	"paygate/internal/telemetry"
	"paygate/internal/types"
)

// SubscriptionCanceller revokes an entitlement. Implemented by
// db.SubscriptionRepo.
type SubscriptionCanceller interface {
	Cancel(ctx context.Context, id string) (*types.Subscription, error)
}

// StatsReporter builds platform stats snapshots. Implemented by
// billing.ReportingService.
type StatsReporter interface {
	GetStats(ctx context.Context, window time.Duration) (*billing.StatsReport, error)
}

// AdminHandler exposes the operator surface: activating manual payments,
// cancelling subscriptions, and platform stats. The caller mounts it behind
// core.AdminKeyMiddleware; the handler itself performs no authentication.
type AdminHandler struct {
	txs       TransactionGetter
	activator Activator
	canceller SubscriptionCanceller
	reporter  StatsReporter
	metrics   telemetry.Collector
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler. metrics may be nil.
func NewAdminHandler(
	txs TransactionGetter,
	activator Activator,
	canceller SubscriptionCanceller,
	reporter StatsReporter,
	metrics telemetry.Collector,
	logger *slog.Logger,
) *AdminHandler {
	if metrics == nil {
		metrics = telemetry.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		txs:       txs,
		activator: activator,
		canceller: canceller,
		reporter:  reporter,
		metrics:   metrics,
		logger:    logger,
	}
}

// RegisterRoutes mounts the admin endpoints on the given router, which is
// expected to already carry the admin key middleware.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/admin/activations", h.ActivateManual)
	r.Post("/admin/subscriptions/{subscriptionID}/cancel", h.CancelSubscription)
	r.Get("/admin/stats", h.GetStats)
}

type manualActivationRequest struct {
	TransactionID string `json:"transaction_id"`
	// Reference identifies the out-of-band payment proof, e.g. a bank slip
	// number. Stored as the transaction's provider_ref.
	Reference string `json:"reference,omitempty"`
}

type manualActivationResponse struct {
	Subscription *types.Subscription `json:"subscription"`
}

// ActivateManual applies a manually verified payment. Only manual payment
// methods are eligible; provider-backed transactions must settle through
// their webhook or the status poll, never by operator fiat.
//
// The underlying activation is the same idempotent path the dispatcher uses,
// so submitting the same activation twice is harmless.
func (h *AdminHandler) ActivateManual(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req manualActivationRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.TransactionID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"transaction_id is required",
			nil,
		))
		return
	}

	tx, err := h.txs.GetByID(ctx, req.TransactionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !tx.Method.Manual() {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidMethod,
			"only manual payment methods can be activated by an operator",
			nil,
			map[string]any{"transaction_id": tx.ID, "method": string(tx.Method)},
		))
		return
	}

	sub, err := h.activator.Activate(ctx, tx.ID, req.Reference, nil)
	if err != nil {
		h.logger.ErrorContext(ctx, "manual activation failed",
			"transaction_id", tx.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "manual activation applied",
		"transaction_id", tx.ID,
		"subscription_id", sub.ID,
		"method", string(tx.Method),
	)
	h.metrics.RecordActivation(ctx, "admin")
	core.JSON(w, r, http.StatusOK, manualActivationResponse{Subscription: sub})
}

// CancelSubscription revokes a pending or active subscription. Terminal rows
// are left as they are and returned unchanged.
func (h *AdminHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subID := chi.URLParam(r, "subscriptionID")

	sub, err := h.canceller.Cancel(ctx, subID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "subscription cancelled by operator",
		"subscription_id", sub.ID,
		"status", string(sub.Status),
	)
	core.JSON(w, r, http.StatusOK, manualActivationResponse{Subscription: sub})
}

// GetStats returns the platform stats snapshot. The optional "window" query
// parameter is a Go duration string (e.g. "24h", "168h") controlling the
// trailing window for revenue and delivery counts.
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			core.Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidPayload,
				"window must be a valid duration, e.g. 24h",
				err,
				map[string]any{"window": raw},
			))
			return
		}
		window = parsed
	}

	report, err := h.reporter.GetStats(ctx, window)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, report)
}
