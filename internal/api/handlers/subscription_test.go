package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawclub/internal/core"
	"drawclub/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

// mockSubscriptionService implements SubscriptionService with func fields.
type mockSubscriptionService struct {
	subscribeFn func(ctx context.Context, accountID, packageID string) (*types.Account, error)
	upgradeFn   func(ctx context.Context, accountID, packageID string) (*types.Account, error)
	downgradeFn func(ctx context.Context, accountID, packageID string) (*types.Account, error)
	renewFn     func(ctx context.Context, accountID string) (*types.Account, error)
	cancelFn    func(ctx context.Context, accountID string) (*types.Account, error)
}

func (m *mockSubscriptionService) Subscribe(ctx context.Context, accountID, packageID string) (*types.Account, error) {
	return m.subscribeFn(ctx, accountID, packageID)
}

func (m *mockSubscriptionService) Upgrade(ctx context.Context, accountID, packageID string) (*types.Account, error) {
	return m.upgradeFn(ctx, accountID, packageID)
}

func (m *mockSubscriptionService) Downgrade(ctx context.Context, accountID, packageID string) (*types.Account, error) {
	return m.downgradeFn(ctx, accountID, packageID)
}

func (m *mockSubscriptionService) Renew(ctx context.Context, accountID string) (*types.Account, error) {
	return m.renewFn(ctx, accountID)
}

func (m *mockSubscriptionService) Cancel(ctx context.Context, accountID string) (*types.Account, error) {
	return m.cancelFn(ctx, accountID)
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

func newSubscriptionTestRouter(svc *mockSubscriptionService) http.Handler {
	h := NewSubscriptionHandler(svc, core.NewValidator(nil), testDiscardLogger())
	return newTestRouter(h)
}

func testAccount(id string) *types.Account {
	return &types.Account{
		ID:    id,
		Email: "member@example.com",
		Subscription: types.Subscription{
			PackageID: "pkg_gold",
			Status:    types.SubStatusActive,
			AutoRenew: true,
		},
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHandleSubscribe_Success(t *testing.T) {
	var gotAccount, gotPackage string
	svc := &mockSubscriptionService{
		subscribeFn: func(ctx context.Context, accountID, packageID string) (*types.Account, error) {
			gotAccount, gotPackage = accountID, packageID
			return testAccount(accountID), nil
		},
	}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_1/subscription", map[string]string{"package_id": "pkg_gold"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acc_1", gotAccount)
	assert.Equal(t, "pkg_gold", gotPackage)

	var resp struct {
		Data types.Account `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "acc_1", resp.Data.ID)
}

func TestHandleSubscribe_MissingPackageID(t *testing.T) {
	svc := &mockSubscriptionService{
		subscribeFn: func(ctx context.Context, accountID, packageID string) (*types.Account, error) {
			t.Fatal("service should not be called on validation failure")
			return nil, nil
		},
	}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_1/subscription", map[string]string{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), resp.Error.Code)
}

func TestHandleSubscribe_MalformedBody(t *testing.T) {
	svc := &mockSubscriptionService{}
	router := newSubscriptionTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/accounts/acc_1/subscription", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubscribe_UnknownField(t *testing.T) {
	svc := &mockSubscriptionService{}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_1/subscription", map[string]string{
		"package_id": "pkg_gold",
		"surprise":   "field",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubscribe_AlreadySubscribed(t *testing.T) {
	svc := &mockSubscriptionService{
		subscribeFn: func(ctx context.Context, accountID, packageID string) (*types.Account, error) {
			return nil, types.NewAppError(types.ErrCodeConflictAlreadySubscribed, "account already has a subscription", nil)
		},
	}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_1/subscription", map[string]string{"package_id": "pkg_gold"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, string(types.ErrCodeConflictAlreadySubscribed), resp.Error.Code)
}

func TestHandleSubscribe_PaymentDeclined(t *testing.T) {
	svc := &mockSubscriptionService{
		subscribeFn: func(ctx context.Context, accountID, packageID string) (*types.Account, error) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodePaymentDeclined,
				"payment was declined",
				nil,
				map[string]any{"decline_code": "insufficient_funds"},
			)
		},
	}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_1/subscription", map[string]string{"package_id": "pkg_gold"})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, "insufficient_funds", resp.Error.Details["decline_code"])
}

func TestHandleUpgrade_Success(t *testing.T) {
	var gotPackage string
	svc := &mockSubscriptionService{
		upgradeFn: func(ctx context.Context, accountID, packageID string) (*types.Account, error) {
			gotPackage = packageID
			return testAccount(accountID), nil
		},
	}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_1/subscription/upgrade", map[string]string{"package_id": "pkg_platinum"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pkg_platinum", gotPackage)
}

func TestHandleUpgrade_InvalidChangeDirection(t *testing.T) {
	svc := &mockSubscriptionService{
		upgradeFn: func(ctx context.Context, accountID, packageID string) (*types.Account, error) {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidChange, "target package is not an upgrade", nil)
		},
	}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_1/subscription/upgrade", map[string]string{"package_id": "pkg_bronze"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, string(types.ErrCodeValidationInvalidChange), resp.Error.Code)
}

func TestHandleDowngrade_Success(t *testing.T) {
	svc := &mockSubscriptionService{
		downgradeFn: func(ctx context.Context, accountID, packageID string) (*types.Account, error) {
			acct := testAccount(accountID)
			acct.Subscription.PendingChange = &types.PendingChange{
				TargetPackageID: packageID,
				Type:            types.ChangeDowngrade,
			}
			return acct, nil
		},
	}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_1/subscription/downgrade", map[string]string{"package_id": "pkg_silver"})

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data types.Account `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Data.Subscription.PendingChange)
	assert.Equal(t, "pkg_silver", resp.Data.Subscription.PendingChange.TargetPackageID)
}

func TestHandleDowngrade_PendingChangeConflict(t *testing.T) {
	svc := &mockSubscriptionService{
		downgradeFn: func(ctx context.Context, accountID, packageID string) (*types.Account, error) {
			return nil, types.NewAppError(types.ErrCodeConflictPendingChange, "a package change is already scheduled", nil)
		},
	}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_1/subscription/downgrade", map[string]string{"package_id": "pkg_silver"})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleRenew_Success(t *testing.T) {
	var gotAccount string
	svc := &mockSubscriptionService{
		renewFn: func(ctx context.Context, accountID string) (*types.Account, error) {
			gotAccount = accountID
			return testAccount(accountID), nil
		},
	}
	router := newSubscriptionTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/accounts/acc_42/subscription/renew", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acc_42", gotAccount)
}

func TestHandleCancel_Success(t *testing.T) {
	svc := &mockSubscriptionService{
		cancelFn: func(ctx context.Context, accountID string) (*types.Account, error) {
			acct := testAccount(accountID)
			acct.Subscription.AutoRenew = false
			return acct, nil
		},
	}
	router := newSubscriptionTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/accounts/acc_1/subscription/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data types.Account `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Data.Subscription.AutoRenew)
}

func TestHandleCancel_NoSubscription(t *testing.T) {
	svc := &mockSubscriptionService{
		cancelFn: func(ctx context.Context, accountID string) (*types.Account, error) {
			return nil, types.NewAppError(types.ErrCodeConflictNoSubscription, "account has no subscription", nil)
		},
	}
	router := newSubscriptionTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/accounts/acc_1/subscription/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeErrorResponse(t, rec)
	assert.Equal(t, string(types.ErrCodeConflictNoSubscription), resp.Error.Code)
}

func TestSubscriptionRoutes_AccountNotFound(t *testing.T) {
	svc := &mockSubscriptionService{
		subscribeFn: func(ctx context.Context, accountID, packageID string) (*types.Account, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
		},
	}
	router := newSubscriptionTestRouter(svc)

	rec := postJSON(t, router, "/accounts/acc_missing/subscription", map[string]string{"package_id": "pkg_gold"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
