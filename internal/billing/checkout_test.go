package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paygate/internal/db"
	"paygate/internal/types"
)

type mockTxStore struct {
	mock.Mock
}

func (m *mockTxStore) Create(ctx context.Context, params db.CreateTransactionParams) (*types.Transaction, error) {
	args := m.Called(ctx, params)
	var tx *types.Transaction
	if v := args.Get(0); v != nil {
		tx = v.(*types.Transaction)
	}
	return tx, args.Error(1)
}

func (m *mockTxStore) AttachProviderResponse(ctx context.Context, id, providerRef string, response []byte) error {
	return m.Called(ctx, id, providerRef, response).Error(0)
}

func (m *mockTxStore) LinkSubscription(ctx context.Context, id, subscriptionID string) error {
	return m.Called(ctx, id, subscriptionID).Error(0)
}

type mockSubCreator struct {
	mock.Mock
}

func (m *mockSubCreator) Create(ctx context.Context, params db.CreateSubscriptionParams) (*types.Subscription, error) {
	args := m.Called(ctx, params)
	var sub *types.Subscription
	if v := args.Get(0); v != nil {
		sub = v.(*types.Subscription)
	}
	return sub, args.Error(1)
}

type mockInvoicer struct {
	mock.Mock
}

func (m *mockInvoicer) CreateInvoice(ctx context.Context, method types.PaymentMethod, transactionID string, amountCents int64, currency string) (*Invoice, error) {
	args := m.Called(ctx, method, transactionID, amountCents, currency)
	var inv *Invoice
	if v := args.Get(0); v != nil {
		inv = v.(*Invoice)
	}
	return inv, args.Error(1)
}

func TestCheckout_ProviderMethod(t *testing.T) {
	txs := new(mockTxStore)
	subs := new(mockSubCreator)
	inv := new(mockInvoicer)
	svc := NewCheckoutService(NewStaticPlanRegistry(), txs, subs, inv, nil).WithNowFunc(fixedNow)

	txs.On("Create", mock.Anything, db.CreateTransactionParams{
		UserID: "user_1", Method: types.MethodCoinbox, AmountCents: 999, Currency: "USD",
	}).Return(&types.Transaction{ID: "tx_1", Status: types.TxStatusPending}, nil).Once()

	subs.On("Create", mock.Anything, mock.MatchedBy(func(p db.CreateSubscriptionParams) bool {
		// Entitlement window is fixed at purchase: now + 30 days.
		return p.TransactionID == "tx_1" &&
			p.PlanID == "monthly" &&
			p.ExpiresAt.Equal(fixedNow().Add(30*24*time.Hour))
	})).Return(&types.Subscription{ID: "sub_1", Status: types.SubStatusPending}, nil).Once()

	txs.On("LinkSubscription", mock.Anything, "tx_1", "sub_1").Return(nil).Once()

	inv.On("CreateInvoice", mock.Anything, types.MethodCoinbox, "tx_1", int64(999), "USD").
		Return(&Invoice{ProviderRef: "cb_9", RedirectURL: "https://pay.coinbox.example/cb_9", Raw: []byte(`{}`)}, nil).Once()
	txs.On("AttachProviderResponse", mock.Anything, "tx_1", "cb_9", []byte(`{}`)).Return(nil).Once()

	result, err := svc.Start(context.Background(), "user_1", "monthly", types.MethodCoinbox)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.coinbox.example/cb_9", result.RedirectURL)
	txs.AssertExpectations(t)
	subs.AssertExpectations(t)
	inv.AssertExpectations(t)
}

func TestCheckout_ManualMethodSkipsInvoice(t *testing.T) {
	txs := new(mockTxStore)
	subs := new(mockSubCreator)
	inv := new(mockInvoicer)
	svc := NewCheckoutService(NewStaticPlanRegistry(), txs, subs, inv, nil).WithNowFunc(fixedNow)

	txs.On("Create", mock.Anything, mock.Anything).
		Return(&types.Transaction{ID: "tx_2", Status: types.TxStatusPending}, nil).Once()
	subs.On("Create", mock.Anything, mock.Anything).
		Return(&types.Subscription{ID: "sub_2", Status: types.SubStatusPending}, nil).Once()
	txs.On("LinkSubscription", mock.Anything, "tx_2", "sub_2").Return(nil).Once()

	result, err := svc.Start(context.Background(), "user_1", "yearly", types.MethodManualBankTransfer)
	require.NoError(t, err)
	assert.Empty(t, result.RedirectURL)
	inv.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckout_UnknownPlan(t *testing.T) {
	svc := NewCheckoutService(NewStaticPlanRegistry(), new(mockTxStore), new(mockSubCreator), new(mockInvoicer), nil)

	_, err := svc.Start(context.Background(), "user_1", "lifetime", types.MethodMpay)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPlan, appErr.Code)
}

func TestCheckout_InvoiceFailureLeavesPendingPair(t *testing.T) {
	txs := new(mockTxStore)
	subs := new(mockSubCreator)
	inv := new(mockInvoicer)
	svc := NewCheckoutService(NewStaticPlanRegistry(), txs, subs, inv, nil).WithNowFunc(fixedNow)

	txs.On("Create", mock.Anything, mock.Anything).
		Return(&types.Transaction{ID: "tx_3", Status: types.TxStatusPending}, nil).Once()
	subs.On("Create", mock.Anything, mock.Anything).
		Return(&types.Subscription{ID: "sub_3", Status: types.SubStatusPending}, nil).Once()
	txs.On("LinkSubscription", mock.Anything, "tx_3", "sub_3").Return(nil).Once()
	inv.On("CreateInvoice", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, types.NewAppError(types.ErrCodeUpstreamProvider, "provider unavailable", nil)).Once()

	_, err := svc.Start(context.Background(), "user_1", "monthly", types.MethodZenipay)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamProvider, appErr.Code)
	txs.AssertNotCalled(t, "AttachProviderResponse", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStaticPlanRegistry(t *testing.T) {
	reg := NewStaticPlanRegistry()

	monthly, ok := reg.GetPlan("monthly")
	require.True(t, ok)
	assert.Equal(t, 30*24*time.Hour, monthly.Duration)
	assert.Equal(t, int64(999), monthly.AmountCents)

	_, ok = reg.GetPlan("lifetime")
	assert.False(t, ok)
}
