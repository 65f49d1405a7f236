package benefits

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"drawclub/internal/event"
	"drawclub/internal/types"
)

// --- Mock implementations ---

type mockAccountLookup struct {
	mock.Mock
}

func (m *mockAccountLookup) GetByCustomerRef(ctx context.Context, customerRef string) (*types.Account, error) {
	args := m.Called(ctx, customerRef)
	if a := args.Get(0); a != nil {
		return a.(*types.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccountLookup) GetByExternalRef(ctx context.Context, externalRef string) (*types.Account, error) {
	args := m.Called(ctx, externalRef)
	if a := args.Get(0); a != nil {
		return a.(*types.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) GetPackage(ctx context.Context, packageID string) (*types.PackageDefinition, error) {
	args := m.Called(ctx, packageID)
	if p := args.Get(0); p != nil {
		return p.(*types.PackageDefinition), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCatalog) GetPackageByPriceRef(ctx context.Context, priceRef string) (*types.PackageDefinition, error) {
	args := m.Called(ctx, priceRef)
	if p := args.Get(0); p != nil {
		return p.(*types.PackageDefinition), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) GetSubscription(ctx context.Context, ref string) (*types.GatewaySubscription, error) {
	args := m.Called(ctx, ref)
	if s := args.Get(0); s != nil {
		return s.(*types.GatewaySubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

// captureNotifier records emitted notification messages.
type captureNotifier struct {
	messages []types.NotificationMessage
}

func (c *captureNotifier) Emit(_ context.Context, msg types.NotificationMessage) {
	c.messages = append(c.messages, msg)
}

// --- Helpers ---

type serviceFixture struct {
	svc      *Service
	accounts *mockAccountLookup
	catalog  *mockCatalog
	gateway  *mockGateway
	ledger   *mockLedger
	conn     *fakeDBTX
	notifier *captureNotifier
}

func setupService() *serviceFixture {
	accounts := new(mockAccountLookup)
	catalog := new(mockCatalog)
	gateway := new(mockGateway)
	ledger := new(mockLedger)
	notifier := &captureNotifier{}
	conn := &fakeDBTX{}

	calc := NewCalculator(nil, nil)
	engine := NewGrantEngine(ledger, &fakeTxRunner{q: conn}, nil)
	svc := NewService(accounts, catalog, gateway, calc, engine, notifier, nil, nil)

	return &serviceFixture{
		svc:      svc,
		accounts: accounts,
		catalog:  catalog,
		gateway:  gateway,
		ledger:   ledger,
		conn:     conn,
		notifier: notifier,
	}
}

func memberAccount() *types.Account {
	return &types.Account{
		ID:                 "acc_1",
		Email:              "member@example.com",
		BillingCustomerRef: "cus_9",
	}
}

// --- HandleChargeSucceeded Tests ---

func TestHandleChargeSucceeded_GrantsOneTimePurchase(t *testing.T) {
	f := setupService()

	f.catalog.On("GetPackage", mock.Anything, "pkg_bundle").Return(oneTimePackage(), nil)
	f.accounts.On("GetByCustomerRef", mock.Anything, "cus_9").Return(memberAccount(), nil)
	f.ledger.On("RecordIfAbsent", mock.Anything, mock.MatchedBy(func(e *types.LedgerEntry) bool {
		return e.PaymentKey == "charge_ch_1" && e.Package.Entries == 10
	})).Return(true, nil)

	err := f.svc.HandleChargeSucceeded(context.Background(), event.ChargeSucceeded{
		Envelope:    event.Envelope{ID: "evt_1", Type: event.TypeChargeSucceeded},
		ChargeID:    "ch_1",
		CustomerRef: "cus_9",
		PackageID:   "pkg_bundle",
		AmountCents: 1999,
	})
	require.NoError(t, err)

	// Balance increment and ledger claim both ran inside the transaction.
	require.Len(t, f.conn.execs, 2)
	assert.Contains(t, f.conn.execs[0], "entry_balance")
	assert.Contains(t, f.conn.execs[1], "payment_ledger")

	require.Len(t, f.notifier.messages, 1)
	msg := f.notifier.messages[0]
	assert.Equal(t, types.NotifyBenefitsGranted, msg.Kind)
	assert.Equal(t, "acc_1", msg.AccountID)
	assert.Equal(t, int64(10), msg.Entries)

	f.ledger.AssertExpectations(t)
}

func TestHandleChargeSucceeded_SkipsSubscriptionCharge(t *testing.T) {
	f := setupService()

	err := f.svc.HandleChargeSucceeded(context.Background(), event.ChargeSucceeded{
		Envelope:  event.Envelope{ID: "evt_1", Type: event.TypeChargeSucceeded},
		ChargeID:  "ch_1",
		InvoiceID: "in_1",
		PackageID: "pkg_gold",
	})
	require.NoError(t, err)

	f.ledger.AssertNotCalled(t, "RecordIfAbsent", mock.Anything, mock.Anything)
	assert.Empty(t, f.notifier.messages)
}

func TestHandleChargeSucceeded_SkipsUntaggedCharge(t *testing.T) {
	f := setupService()

	err := f.svc.HandleChargeSucceeded(context.Background(), event.ChargeSucceeded{
		Envelope: event.Envelope{ID: "evt_1", Type: event.TypeChargeSucceeded},
		ChargeID: "ch_1",
	})
	require.NoError(t, err)

	f.ledger.AssertNotCalled(t, "RecordIfAbsent", mock.Anything, mock.Anything)
}

func TestHandleChargeSucceeded_UnknownPackageAcknowledged(t *testing.T) {
	f := setupService()

	f.catalog.On("GetPackage", mock.Anything, "pkg_gone").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundPackage, "not found", nil))

	err := f.svc.HandleChargeSucceeded(context.Background(), event.ChargeSucceeded{
		Envelope:  event.Envelope{ID: "evt_1", Type: event.TypeChargeSucceeded},
		ChargeID:  "ch_1",
		PackageID: "pkg_gone",
	})
	require.NoError(t, err, "unknown package is a permanent no-op, not a retryable failure")
}

func TestHandleChargeSucceeded_DuplicateDeliveryAcknowledged(t *testing.T) {
	f := setupService()

	f.catalog.On("GetPackage", mock.Anything, "pkg_bundle").Return(oneTimePackage(), nil)
	f.accounts.On("GetByCustomerRef", mock.Anything, "cus_9").Return(memberAccount(), nil)
	f.ledger.On("RecordIfAbsent", mock.Anything, mock.Anything).Return(false, nil)

	err := f.svc.HandleChargeSucceeded(context.Background(), event.ChargeSucceeded{
		Envelope:    event.Envelope{ID: "evt_2", Type: event.TypeChargeSucceeded},
		ChargeID:    "ch_1",
		CustomerRef: "cus_9",
		PackageID:   "pkg_bundle",
	})
	require.NoError(t, err)

	assert.Empty(t, f.conn.execs, "no mutation for a duplicate")
	assert.Empty(t, f.notifier.messages, "no notification for a duplicate")
}

// --- HandleInvoicePaid Tests ---

func invoicePaid() event.InvoicePaid {
	return event.InvoicePaid{
		Envelope:        event.Envelope{ID: "evt_i1", Type: event.TypeInvoicePaid},
		InvoiceID:       "in_1",
		SubscriptionRef: "sub_1",
		CustomerRef:     "cus_9",
		BillingReason:   "subscription_cycle",
		PackageID:       "pkg_gold",
		AmountCents:     999,
	}
}

func TestHandleInvoicePaid_GrantsRenewal(t *testing.T) {
	f := setupService()

	f.accounts.On("GetByExternalRef", mock.Anything, "sub_1").Return(memberAccount(), nil)
	f.catalog.On("GetPackage", mock.Anything, "pkg_gold").Return(subscriptionPackage(), nil)
	f.ledger.On("RecordIfAbsent", mock.Anything, mock.MatchedBy(func(e *types.LedgerEntry) bool {
		return e.PaymentKey == "invoice_in_1" && e.Package.Entries == 20
	})).Return(true, nil)

	err := f.svc.HandleInvoicePaid(context.Background(), invoicePaid())
	require.NoError(t, err)

	require.Len(t, f.notifier.messages, 1)
	assert.Equal(t, int64(20), f.notifier.messages[0].Entries)
}

func TestHandleInvoicePaid_UnrecognizedBillingReasonGrantsNothing(t *testing.T) {
	f := setupService()

	ev := invoicePaid()
	ev.BillingReason = "manual"

	err := f.svc.HandleInvoicePaid(context.Background(), ev)
	require.NoError(t, err)

	f.ledger.AssertNotCalled(t, "RecordIfAbsent", mock.Anything, mock.Anything)
}

func TestHandleInvoicePaid_NonSubscriptionInvoiceSkipped(t *testing.T) {
	f := setupService()

	ev := invoicePaid()
	ev.SubscriptionRef = ""

	err := f.svc.HandleInvoicePaid(context.Background(), ev)
	require.NoError(t, err)

	f.ledger.AssertNotCalled(t, "RecordIfAbsent", mock.Anything, mock.Anything)
}

func TestHandleInvoicePaid_FallsBackToCustomerLookup(t *testing.T) {
	f := setupService()

	f.accounts.On("GetByExternalRef", mock.Anything, "sub_1").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundAccount, "not found", nil))
	f.accounts.On("GetByCustomerRef", mock.Anything, "cus_9").Return(memberAccount(), nil)
	f.catalog.On("GetPackage", mock.Anything, "pkg_gold").Return(subscriptionPackage(), nil)
	f.ledger.On("RecordIfAbsent", mock.Anything, mock.Anything).Return(true, nil)

	err := f.svc.HandleInvoicePaid(context.Background(), invoicePaid())
	require.NoError(t, err)

	f.accounts.AssertExpectations(t)
}

func TestHandleInvoicePaid_ResolvesPackageFromGatewayWhenUntagged(t *testing.T) {
	f := setupService()

	ev := invoicePaid()
	ev.PackageID = ""

	f.accounts.On("GetByExternalRef", mock.Anything, "sub_1").Return(memberAccount(), nil)
	f.gateway.On("GetSubscription", mock.Anything, "sub_1").
		Return(&types.GatewaySubscription{Ref: "sub_1", PriceRef: "price_gold"}, nil)
	f.catalog.On("GetPackageByPriceRef", mock.Anything, "price_gold").Return(subscriptionPackage(), nil)
	f.ledger.On("RecordIfAbsent", mock.Anything, mock.Anything).Return(true, nil)

	err := f.svc.HandleInvoicePaid(context.Background(), ev)
	require.NoError(t, err)

	f.gateway.AssertExpectations(t)
}

func TestHandleInvoicePaid_GatewayLookupFailureIsRetryable(t *testing.T) {
	f := setupService()

	ev := invoicePaid()
	ev.PackageID = ""

	f.accounts.On("GetByExternalRef", mock.Anything, "sub_1").Return(memberAccount(), nil)
	f.gateway.On("GetSubscription", mock.Anything, "sub_1").
		Return(nil, types.NewAppError(types.ErrCodeUpstreamGateway, "gateway 503", nil))

	err := f.svc.HandleInvoicePaid(context.Background(), ev)
	require.Error(t, err)

	appErr := &types.AppError{}
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.Code.Retryable())
}

func TestHandleInvoicePaid_UnknownAccountAcknowledged(t *testing.T) {
	f := setupService()

	f.accounts.On("GetByExternalRef", mock.Anything, "sub_1").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundAccount, "not found", nil))
	f.accounts.On("GetByCustomerRef", mock.Anything, "cus_9").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundAccount, "not found", nil))

	err := f.svc.HandleInvoicePaid(context.Background(), invoicePaid())
	require.NoError(t, err, "unknown account is logged and acknowledged")
}

func TestHandleInvoicePaid_ConfirmsPendingUpgradeInSameTransaction(t *testing.T) {
	f := setupService()

	acct := memberAccount()
	acct.Subscription.PendingChange = &types.PendingChange{
		TargetPackageID: "pkg_gold",
		TargetPriceRef:  "price_gold",
		Type:            types.ChangeUpgrade,
		ExternalRef:     "sub_1",
	}

	f.accounts.On("GetByExternalRef", mock.Anything, "sub_1").Return(acct, nil)
	f.catalog.On("GetPackage", mock.Anything, "pkg_gold").Return(subscriptionPackage(), nil)
	f.ledger.On("RecordIfAbsent", mock.Anything, mock.Anything).Return(true, nil)

	err := f.svc.HandleInvoicePaid(context.Background(), invoicePaid())
	require.NoError(t, err)

	// Balance increment, pending-change activation, ledger claim.
	require.Len(t, f.conn.execs, 3)
	assert.Contains(t, f.conn.execs[1], "pending_external_ref")
}
