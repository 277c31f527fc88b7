package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paygate/internal/billing"
	"paygate/internal/config"
	"paygate/internal/types"
)

// PaymentStatus is the result of polling a provider for an invoice's state.
type PaymentStatus struct {
	ProviderRef string
	RawStatus   string
	Outcome     types.PaymentOutcome
}

// providerEndpoint is one configured provider's outbound API surface.
type providerEndpoint struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
}

// ProviderAPI is the outbound client for every configured payment provider.
// It implements billing.InvoiceCreator and serves the status poller. Each
// provider gets its own BaseClient so circuit breaker state is isolated
// per provider.
//
// Providers without a configured BaseURL are simply absent from the client
// map; calls against them return not_found_provider.
type ProviderAPI struct {
	endpoints map[types.PaymentMethod]*providerEndpoint
	logger    *slog.Logger
}

var _ billing.InvoiceCreator = (*ProviderAPI)(nil)

// NewProviderAPI builds clients for every provider with a BaseURL configured.
func NewProviderAPI(cfg config.ProvidersConfig, httpClient *http.Client, userAgent string, logger *slog.Logger) *ProviderAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := &ProviderAPI{
		endpoints: make(map[types.PaymentMethod]*providerEndpoint),
		logger:    logger,
	}

	register := func(method types.PaymentMethod, pc config.ProviderConfig) {
		if pc.BaseURL == "" {
			return
		}
		api.endpoints[method] = &providerEndpoint{
			base:    NewBaseClient(httpClient, "provider-"+string(method), DefaultRetryPolicy(), userAgent),
			baseURL: strings.TrimRight(pc.BaseURL, "/"),
			apiKey:  pc.APIKey,
		}
	}

	register(types.MethodCoinbox, cfg.Coinbox)
	register(types.MethodMpay, cfg.Mpay)
	register(types.MethodZenipay, cfg.Zenipay)
	register(types.MethodOson, cfg.Oson)
	register(types.MethodBankflow, cfg.Bankflow)

	return api
}

// paidAPIStatuses mirrors the per-provider settled-status vocabulary used for
// inbound notifications. Status polling and webhooks must agree on what
// counts as paid, otherwise the poller and the dispatcher would race to
// different conclusions.
var paidAPIStatuses = map[types.PaymentMethod]map[string]struct{}{
	types.MethodCoinbox:  {"paid": {}, "confirmed": {}},
	types.MethodMpay:     {"success": {}, "confirmed": {}},
	types.MethodZenipay:  {"completed": {}, "paid": {}},
	types.MethodOson:     {"1": {}, "paid": {}},
	types.MethodBankflow: {"confirmed": {}, "finished": {}},
}

type invoiceRequest struct {
	MerchantOrderID string `json:"merchant_order_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
}

type invoiceResponse struct {
	InvoiceID string `json:"invoice_id"`
	PayURL    string `json:"pay_url"`
	Status    string `json:"status"`
}

// CreateInvoice opens a payment intent at the provider for a pending
// transaction and returns the provider's reference plus the URL the user is
// redirected to.
func (p *ProviderAPI) CreateInvoice(ctx context.Context, method types.PaymentMethod, transactionID string, amountCents int64, currency string) (*billing.Invoice, error) {
	ep, err := p.endpoint(method)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(invoiceRequest{
		MerchantOrderID: transactionID,
		AmountCents:     amountCents,
		Currency:        currency,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode invoice request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL+"/v1/invoices", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build invoice request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	ep.authorize(req)

	raw, parsed, err := p.execute(ctx, ep, req, method, "create_invoice")
	if err != nil {
		return nil, err
	}
	if parsed.InvoiceID == "" {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamProvider,
			"provider returned an invoice without an id",
			nil,
			map[string]any{"provider": string(method)},
		)
	}
	if err := types.ValidatePaymentURL(parsed.PayURL); err != nil {
		// The pay URL is handed straight to the user's browser; never relay
		// one that fails the safety checks.
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamProvider,
			"provider returned an unsafe payment URL",
			err,
			map[string]any{"provider": string(method)},
		)
	}

	return &billing.Invoice{
		ProviderRef: parsed.InvoiceID,
		RedirectURL: parsed.PayURL,
		Raw:         raw,
	}, nil
}

// CheckStatus polls the provider for the current state of an invoice.
func (p *ProviderAPI) CheckStatus(ctx context.Context, method types.PaymentMethod, providerRef string) (*PaymentStatus, error) {
	ep, err := p.endpoint(method)
	if err != nil {
		return nil, err
	}

	target := ep.baseURL + "/v1/invoices/" + url.PathEscape(providerRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build status request", err)
	}
	ep.authorize(req)

	_, parsed, err := p.execute(ctx, ep, req, method, "check_status")
	if err != nil {
		return nil, err
	}

	outcome := types.OutcomeNotPaid
	if _, ok := paidAPIStatuses[method][strings.ToLower(parsed.Status)]; ok {
		outcome = types.OutcomePaid
	}

	return &PaymentStatus{
		ProviderRef: parsed.InvoiceID,
		RawStatus:   parsed.Status,
		Outcome:     outcome,
	}, nil
}

func (p *ProviderAPI) endpoint(method types.PaymentMethod) (*providerEndpoint, error) {
	ep, ok := p.endpoints[method]
	if !ok {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundProvider,
			"payment method has no configured provider API",
			nil,
			map[string]any{"method": string(method)},
		)
	}
	return ep, nil
}

func (ep *providerEndpoint) authorize(req *http.Request) {
	if !ep.apiKey.IsZero() {
		req.Header.Set("Authorization", "Bearer "+ep.apiKey.Unmask())
	}
}

// execute runs the request through the provider's BaseClient and decodes the
// shared invoice envelope. Non-2xx responses that survive the retry layer
// (provider-side 4xx) are mapped to upstream errors with the status attached.
func (p *ProviderAPI) execute(ctx context.Context, ep *providerEndpoint, req *http.Request, method types.PaymentMethod, op string) ([]byte, *invoiceResponse, error) {
	resp, err := ep.base.Do(req)
	if err != nil {
		p.logger.ErrorContext(ctx, "provider request failed",
			slog.String("provider", string(method)),
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeUpstreamProvider, "failed to read provider response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.WarnContext(ctx, "provider rejected request",
			slog.String("provider", string(method)),
			slog.String("operation", op),
			slog.Int("status", resp.StatusCode),
		)
		return nil, nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("provider rejected %s with status %d", op, resp.StatusCode),
			nil,
			map[string]any{"provider": string(method), "status": resp.StatusCode},
		)
	}

	var parsed invoiceResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeUpstreamProvider, "failed to decode provider response", err)
	}
	return raw, &parsed, nil
}
