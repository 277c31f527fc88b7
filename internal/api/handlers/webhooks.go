// Package handlers contains the HTTP handler implementations for the paygate API.
//
// This file implements the provider webhook dispatcher. The endpoint is NOT
// behind auth middleware -- it is called directly by the payment providers.
// Security is provided by per-provider signature verification against the raw
// request bytes.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"paygate/internal/core"
	"paygate/internal/providers"
	"paygate/internal/queue"
	"paygate/internal/telemetry"
	"paygate/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a provider webhook
// payload (64 KB). Provider notifications are small; the limit protects
// against abuse.
const maxWebhookBodySize = 64 * 1024

// ---------------------------------------------------------------------------
// Interfaces for webhook dispatcher dependencies
// ---------------------------------------------------------------------------

// Activator applies a confirmed payment to the ledger and subscription.
// This is the subset of billing.ActivationService the dispatcher needs.
type Activator interface {
	Activate(ctx context.Context, transactionID, providerRef string, webhookPayload []byte) (*types.Subscription, error)
}

// Deduper detects replayed deliveries. Implemented by dedup.Deduplicator.
type Deduper interface {
	// CheckAndMark reports whether this (provider, deliveryID) pair is seen
	// for the first time and durably records it.
	CheckAndMark(ctx context.Context, provider, deliveryID string, payload []byte, now time.Time) (bool, error)
}

// ReconcileQueue hands off verified paid notifications that cannot be applied
// right now. Implemented by queue.ReconcilePublisher.
type ReconcileQueue interface {
	Enabled() bool
	Publish(ctx context.Context, msg types.ReconcileMessage, reason string) error
}

// ---------------------------------------------------------------------------
// Webhook Dispatcher
// ---------------------------------------------------------------------------

// WebhookHandler receives payment notifications from all webhook-sending
// providers on a single route and drives them through the same pipeline:
//
//	verify -> parse -> dedup -> outcome gate -> activate
//
// Nothing before a successful Verify touches storage, so a forged request
// cannot leave any trace beyond an access log line.
type WebhookHandler struct {
	registry  *providers.Registry
	dedup     Deduper
	activator Activator
	reconcile ReconcileQueue
	metrics   telemetry.Collector
	logger    *slog.Logger
	nowFn     func() time.Time
}

// NewWebhookHandler creates a WebhookHandler. metrics may be nil; reconcile
// may be a disabled publisher (see queue.ReconcilePublisher).
func NewWebhookHandler(
	registry *providers.Registry,
	dedup Deduper,
	activator Activator,
	reconcile ReconcileQueue,
	metrics telemetry.Collector,
	logger *slog.Logger,
) *WebhookHandler {
	if metrics == nil {
		metrics = telemetry.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		registry:  registry,
		dedup:     dedup,
		activator: activator,
		reconcile: reconcile,
		metrics:   metrics,
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// WithNowFunc overrides the clock, for deterministic tests.
func (h *WebhookHandler) WithNowFunc(now func() time.Time) *WebhookHandler {
	h.nowFn = now
	return h
}

// RegisterRoutes mounts the webhook endpoint. This is kept separate from the
// /v1 route groups because webhook routes are public and their paths are
// registered with the providers; they must stay stable across API versions.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/{provider}", h.Handle)
}

// webhookAck is the 200 response body. Providers only require the status
// code; the body exists for log correlation on their side.
type webhookAck struct {
	Status string `json:"status"`
}

// Handle processes one provider notification.
//
// Outcome taxonomy:
//   - unknown provider: 404
//   - failed authenticity: 401, no state touched
//   - malformed payload after a valid signature: 400
//   - replayed delivery: 200 duplicate, no further processing
//   - verified but not paid: 200 ignored
//   - paid but the transaction is not in the ledger: 200 accepted, the
//     notification goes to the reconcile queue for out-of-band replay
//   - storage failure after the dedup mark: the notification goes to the
//     reconcile queue, then 5xx; the retry is absorbed as a duplicate but the
//     payment is replayed out of band
//   - otherwise: 200 activated
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := h.nowFn()
	ctx := r.Context()
	providerName := strings.ToLower(chi.URLParam(r, "provider"))

	verifier, ok := h.registry.Get(providerName)
	if !ok {
		h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultRejected, h.nowFn().Sub(start))
		core.Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundProvider,
			"unknown payment provider",
			nil,
		))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body",
			"provider", providerName,
			"error", err,
		)
		h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultRejected, h.nowFn().Sub(start))
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidPayload,
			"failed to read request body",
			err,
		))
		return
	}

	// Field flattening feeds the canonical signing string for body-signed
	// providers. A non-JSON body yields nil fields, which makes their Verify
	// fail closed; header-signed providers never look at fields.
	fields, ferr := providers.FlattenFields(body)
	if ferr != nil {
		fields = nil
	}

	if err := verifier.Verify(body, r.Header, fields); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed",
			"provider", providerName,
			"error", err,
		)
		h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultRejected, h.nowFn().Sub(start))
		core.Error(w, r, err)
		return
	}

	notification, err := verifier.Parse(body)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook payload parsing failed",
			"provider", providerName,
			"error", err,
		)
		h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultError, h.nowFn().Sub(start))
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "processing provider webhook",
		"provider", providerName,
		"delivery_id", notification.DeliveryID,
		"order_id", notification.OrderID,
		"provider_ref", notification.ProviderRef,
		"raw_status", notification.RawStatus,
		"outcome", string(notification.Outcome),
	)

	fresh, err := h.dedup.CheckAndMark(ctx, providerName, notification.DeliveryID, body, h.nowFn())
	if err != nil {
		h.logger.ErrorContext(ctx, "delivery dedup check failed",
			"provider", providerName,
			"delivery_id", notification.DeliveryID,
			"error", err,
		)
		h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultError, h.nowFn().Sub(start))
		core.Error(w, r, err)
		return
	}
	if !fresh {
		h.logger.InfoContext(ctx, "duplicate webhook delivery acknowledged",
			"provider", providerName,
			"delivery_id", notification.DeliveryID,
		)
		h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultDuplicate, h.nowFn().Sub(start))
		core.JSON(w, r, http.StatusOK, webhookAck{Status: "duplicate"})
		return
	}

	if notification.Outcome != types.OutcomePaid {
		h.logger.InfoContext(ctx, "webhook acknowledged without activation",
			"provider", providerName,
			"delivery_id", notification.DeliveryID,
			"raw_status", notification.RawStatus,
		)
		h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultIgnored, h.nowFn().Sub(start))
		core.JSON(w, r, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}

	sub, err := h.activator.Activate(ctx, notification.OrderID, notification.ProviderRef, body)
	if err != nil {
		if isReferentialMiss(err) {
			// The payment is real and settled but the ledger does not have
			// the transaction yet. Ack the provider and replay out of band.
			h.logger.WarnContext(ctx, "paid webhook references unknown transaction; queueing reconcile",
				"provider", providerName,
				"delivery_id", notification.DeliveryID,
				"order_id", notification.OrderID,
			)
			h.publishReconcile(ctx, providerName, notification, "referential_miss")
			h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultReconciled, h.nowFn().Sub(start))
			core.JSON(w, r, http.StatusOK, webhookAck{Status: "accepted"})
			return
		}

		// The delivery is already durably marked seen, so the provider's
		// retry of this delivery id will be absorbed as a duplicate. The
		// reconcile queue is the recovery path for the payment.
		h.logger.ErrorContext(ctx, "webhook activation failed; queueing reconcile",
			"provider", providerName,
			"delivery_id", notification.DeliveryID,
			"order_id", notification.OrderID,
			"error", err,
		)
		h.publishReconcile(ctx, providerName, notification, "activation_failure")
		h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultError, h.nowFn().Sub(start))
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "webhook activation applied",
		"provider", providerName,
		"delivery_id", notification.DeliveryID,
		"order_id", notification.OrderID,
		"subscription_id", sub.ID,
	)
	h.metrics.RecordWebhook(ctx, providerName, telemetry.ResultActivated, h.nowFn().Sub(start))
	h.metrics.RecordActivation(ctx, "webhook")
	core.JSON(w, r, http.StatusOK, webhookAck{Status: "activated"})
}

// isReferentialMiss reports whether activation failed because the transaction
// or subscription row does not exist yet.
func isReferentialMiss(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == types.ErrCodeNotFoundTransaction ||
		appErr.Code == types.ErrCodeNotFoundSubscription
}

// publishReconcile enqueues a reconcile message. Failures are logged only:
// the delivery has already been durably recorded, and the sweep of pending
// transactions will eventually pick the payment up.
func (h *WebhookHandler) publishReconcile(ctx context.Context, providerName string, n *providers.Notification, reason string) {
	if h.reconcile == nil {
		return
	}
	msg := types.ReconcileMessage{
		TraceID:       types.GetRequestID(ctx),
		Provider:      providerName,
		TransactionID: n.OrderID,
		ProviderRef:   n.ProviderRef,
		DeliveryID:    n.DeliveryID,
		ReceivedAt:    h.nowFn(),
		Attempt:       1,
	}
	if err := h.reconcile.Publish(ctx, msg, reason); err != nil {
		h.logger.ErrorContext(ctx, "failed to publish reconcile message",
			"provider", providerName,
			"transaction_id", n.OrderID,
			"error", err,
		)
	}
}

// compile-time check that the production publisher satisfies the handler's view
var _ ReconcileQueue = (*queue.ReconcilePublisher)(nil)
