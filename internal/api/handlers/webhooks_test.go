package handlers

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/config"
	"paygate/internal/core"
	"paygate/internal/providers"
	"paygate/internal/signing"
	"paygate/internal/types"
)

const coinboxTestSecret = "cb_webhook_secret"

// testLogger returns a logger that discards output, shared by the handler
// tests in this package.
func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeActivator struct {
	mu    sync.Mutex
	sub   *types.Subscription
	err   error
	calls []activateCall
}

type activateCall struct {
	transactionID string
	providerRef   string
	payload       []byte
}

func (f *fakeActivator) Activate(_ context.Context, transactionID, providerRef string, payload []byte) (*types.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, activateCall{transactionID, providerRef, payload})
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

type fakeDeduper struct {
	fresh bool
	err   error
	calls int
	last  struct {
		provider   string
		deliveryID string
	}
}

func (f *fakeDeduper) CheckAndMark(_ context.Context, provider, deliveryID string, _ []byte, _ time.Time) (bool, error) {
	f.calls++
	f.last.provider = provider
	f.last.deliveryID = deliveryID
	return f.fresh, f.err
}

type fakeReconcileQueue struct {
	err      error
	messages []types.ReconcileMessage
	reasons  []string
}

func (f *fakeReconcileQueue) Enabled() bool { return true }

func (f *fakeReconcileQueue) Publish(_ context.Context, msg types.ReconcileMessage, reason string) error {
	f.messages = append(f.messages, msg)
	f.reasons = append(f.reasons, reason)
	return f.err
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type webhookFixture struct {
	handler   *WebhookHandler
	router    chi.Router
	activator *fakeActivator
	dedup     *fakeDeduper
	queue     *fakeReconcileQueue
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()

	registry := providers.NewRegistry(config.ProvidersConfig{
		Coinbox: config.ProviderConfig{SigningSecret: types.SecretString(coinboxTestSecret)},
	})

	f := &webhookFixture{
		activator: &fakeActivator{sub: &types.Subscription{
			ID:     "sub_1",
			Status: types.SubStatusActive,
		}},
		dedup: &fakeDeduper{fresh: true},
		queue: &fakeReconcileQueue{},
	}
	f.handler = NewWebhookHandler(registry, f.dedup, f.activator, f.queue, nil, testLogger())
	f.handler.WithNowFunc(func() time.Time {
		return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	})

	f.router = chi.NewRouter()
	f.handler.RegisterRoutes(f.router)
	return f
}

// coinboxPayload builds a coinbox notification body plus its valid signature.
func coinboxPayload(t *testing.T, status string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_id": "evt_100",
		"order_id": "tx_100",
		"txn_id":   "cb_ref_100",
		"status":   status,
	})
	require.NoError(t, err)
	sig := signing.ComputeHMACHex(sha512.New, []byte(coinboxTestSecret), body)
	return body, sig
}

func (f *webhookFixture) post(t *testing.T, provider string, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, strings.NewReader(string(body)))
	if sig != "" {
		req.Header.Set(providers.CoinboxSignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) webhookAck {
	t.Helper()
	var ack webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	return ack
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWebhook_PaidNotificationActivates(t *testing.T) {
	f := newWebhookFixture(t)
	body, sig := coinboxPayload(t, "paid")

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "activated", decodeAck(t, rec).Status)

	require.Len(t, f.activator.calls, 1)
	call := f.activator.calls[0]
	assert.Equal(t, "tx_100", call.transactionID)
	assert.Equal(t, "cb_ref_100", call.providerRef)
	assert.JSONEq(t, string(body), string(call.payload))

	assert.Equal(t, 1, f.dedup.calls)
	assert.Equal(t, "coinbox", f.dedup.last.provider)
	assert.Equal(t, "evt_100", f.dedup.last.deliveryID)
	assert.Empty(t, f.queue.messages)
}

func TestWebhook_UnknownProviderIs404(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.post(t, "paypal", []byte(`{}`), "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, f.dedup.calls)
	assert.Empty(t, f.activator.calls)
}

func TestWebhook_ForgedSignatureIsRejectedBeforeAnyState(t *testing.T) {
	f := newWebhookFixture(t)
	body, _ := coinboxPayload(t, "paid")

	rec := f.post(t, "coinbox", body, "00ff00ff")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeVerifyFailed), resp.Error.Code)

	// A rejected request must not have touched dedup, activation, or the queue.
	assert.Equal(t, 0, f.dedup.calls)
	assert.Empty(t, f.activator.calls)
	assert.Empty(t, f.queue.messages)
}

func TestWebhook_MissingSignatureHeaderIsRejected(t *testing.T) {
	f := newWebhookFixture(t)
	body, _ := coinboxPayload(t, "paid")

	rec := f.post(t, "coinbox", body, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, f.dedup.calls)
}

func TestWebhook_UnconfiguredProviderFailsClosed(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(`{"event_id":"e1","order_id":"tx_1","status":"confirmed"}`)

	// mpay is registered but has no signing secret configured.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mpay", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeVerifyNotConfigured), resp.Error.Code)
}

func TestWebhook_ValidSignatureMalformedPayloadIs400(t *testing.T) {
	f := newWebhookFixture(t)

	// Signed correctly but missing the mandatory order_id field.
	body := []byte(`{"event_id":"evt_1","status":"paid"}`)
	sig := signing.ComputeHMACHex(sha512.New, []byte(coinboxTestSecret), body)

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.activator.calls)
}

func TestWebhook_DuplicateDeliveryIsAckedWithoutActivation(t *testing.T) {
	f := newWebhookFixture(t)
	f.dedup.fresh = false
	body, sig := coinboxPayload(t, "paid")

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeAck(t, rec).Status)
	assert.Empty(t, f.activator.calls)
}

func TestWebhook_NotYetPaidStatusIsAckedWithoutActivation(t *testing.T) {
	f := newWebhookFixture(t)
	body, sig := coinboxPayload(t, "pending_confirmation")

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeAck(t, rec).Status)
	assert.Empty(t, f.activator.calls)
	assert.Empty(t, f.queue.messages)
}

func TestWebhook_UnknownTransactionIsAckedAndQueued(t *testing.T) {
	f := newWebhookFixture(t)
	f.activator.err = types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
	body, sig := coinboxPayload(t, "paid")

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", decodeAck(t, rec).Status)

	require.Len(t, f.queue.messages, 1)
	msg := f.queue.messages[0]
	assert.Equal(t, "coinbox", msg.Provider)
	assert.Equal(t, "tx_100", msg.TransactionID)
	assert.Equal(t, "cb_ref_100", msg.ProviderRef)
	assert.Equal(t, "evt_100", msg.DeliveryID)
	assert.Equal(t, 1, msg.Attempt)
	assert.Equal(t, "referential_miss", f.queue.reasons[0])
}

func TestWebhook_QueuePublishFailureStillAcks(t *testing.T) {
	f := newWebhookFixture(t)
	f.activator.err = types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
	f.queue.err = fmt.Errorf("sqs: throttled")
	body, sig := coinboxPayload(t, "paid")

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", decodeAck(t, rec).Status)
}

func TestWebhook_WrappedReferentialMissIsDetected(t *testing.T) {
	f := newWebhookFixture(t)
	inner := types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	f.activator.err = fmt.Errorf("activating: %w", inner)
	body, sig := coinboxPayload(t, "paid")

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.queue.messages, 1)
}

func TestWebhook_StorageFailureIs5xxAndQueuesReconcile(t *testing.T) {
	f := newWebhookFixture(t)
	f.activator.err = types.NewAppError(types.ErrCodeInternalDB, "database error", nil)
	body, sig := coinboxPayload(t, "paid")

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The delivery was marked seen before activation failed, so the provider's
	// retry will be acked as a duplicate. The reconcile message is what keeps
	// the payment recoverable.
	require.Len(t, f.queue.messages, 1)
	assert.Equal(t, "tx_100", f.queue.messages[0].TransactionID)
	assert.Equal(t, "activation_failure", f.queue.reasons[0])
}

// statefulDeduper remembers delivery ids across calls, like the durable
// implementation. Safe for concurrent use.
type statefulDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newStatefulDeduper() *statefulDeduper {
	return &statefulDeduper{seen: make(map[string]bool)}
}

func (s *statefulDeduper) CheckAndMark(_ context.Context, provider, deliveryID string, _ []byte, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provider + "/" + deliveryID
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func TestWebhook_RetryAfterStorageFailureIsDuplicateButReconciled(t *testing.T) {
	f := newWebhookFixture(t)
	f.handler.dedup = newStatefulDeduper()
	f.activator.err = types.NewAppError(types.ErrCodeInternalDB, "database error", nil)
	body, sig := coinboxPayload(t, "paid")

	// First delivery: activation fails after the dedup mark landed.
	rec := f.post(t, "coinbox", body, sig)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, f.queue.messages, 1)
	assert.Equal(t, "activation_failure", f.queue.reasons[0])

	// Storage recovers, the provider retries the same delivery id. The retry
	// is absorbed as a duplicate and must not re-run activation; recovery
	// happens through the already-published reconcile message.
	f.activator.err = nil
	rec = f.post(t, "coinbox", body, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeAck(t, rec).Status)
	assert.Len(t, f.activator.calls, 1)
	assert.Len(t, f.queue.messages, 1)
}

func TestWebhook_ConcurrentIdenticalDeliveriesActivateOnce(t *testing.T) {
	const deliveries = 16

	f := newWebhookFixture(t)
	f.handler.dedup = newStatefulDeduper()
	body, sig := coinboxPayload(t, "paid")

	recs := make([]*httptest.ResponseRecorder, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = f.post(t, "coinbox", body, sig)
		}(i)
	}
	wg.Wait()

	// Every delivery is acked, exactly one wins the dedup mark and activates.
	activated := 0
	for _, rec := range recs {
		require.Equal(t, http.StatusOK, rec.Code)
		if decodeAck(t, rec).Status == "activated" {
			activated++
		} else {
			assert.Equal(t, "duplicate", decodeAck(t, rec).Status)
		}
	}
	assert.Equal(t, 1, activated)
	assert.Len(t, f.activator.calls, 1)
}

func TestWebhook_DedupFailureIs5xx(t *testing.T) {
	f := newWebhookFixture(t)
	f.dedup.err = types.NewAppError(types.ErrCodeInternalDB, "database error", nil)
	body, sig := coinboxPayload(t, "paid")

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, f.activator.calls)
}

func TestWebhook_ProviderNameIsCaseInsensitive(t *testing.T) {
	f := newWebhookFixture(t)
	body, sig := coinboxPayload(t, "paid")

	rec := f.post(t, "Coinbox", body, sig)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "activated", decodeAck(t, rec).Status)
}

func TestWebhook_OversizedBodyIsRejected(t *testing.T) {
	f := newWebhookFixture(t)
	big := strings.Repeat("a", maxWebhookBodySize+1)
	body := []byte(`{"event_id":"evt_1","order_id":"tx_1","status":"paid","pad":"` + big + `"}`)
	sig := signing.ComputeHMACHex(sha512.New, []byte(coinboxTestSecret), body)

	rec := f.post(t, "coinbox", body, sig)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.dedup.calls)
}
