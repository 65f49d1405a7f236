package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"drawclub/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient is the outbound payment-gateway client. It makes direct HTTP
// calls to the Stripe REST API through BaseClient so every request inherits
// the platform's resilience behavior, and it keeps testing with httptest
// straightforward. It satisfies the Gateway interfaces of the subscription
// and benefits packages.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with a fresh BaseClient.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"DrawClub/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful in tests to control retry and breaker behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// EnsureCustomer retrieves or creates the gateway customer for the account.
// Search-first to prevent duplicate customers:
//  1. Query the customer search API for a metadata['account_id'] match
//  2. If found, return the existing customer id
//  3. Otherwise create a new customer tagged with account_id metadata
func (s *StripeClient) EnsureCustomer(ctx context.Context, accountID string, email string) (string, error) {
	searchQuery := fmt.Sprintf("metadata['account_id']:'%s'", accountID)
	params := url.Values{}
	params.Set("query", searchQuery)

	searchResp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapTransportError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult stripeSearchResult
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		return searchResult.Data[0].ID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[account_id]", accountID)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapTransportError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode customer creation response",
			err,
		)
	}

	return customer.ID, nil
}

// GetSubscription retrieves the authoritative subscription state by its
// gateway reference.
func (s *StripeClient) GetSubscription(ctx context.Context, ref string) (*types.GatewaySubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, s.wrapTransportError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode subscription response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// CreateSubscription creates a gateway subscription for the customer on the
// given price. The metadata is attached to the subscription so every later
// webhook event is self-describing.
func (s *StripeClient) CreateSubscription(ctx context.Context, customerRef, priceRef string, metadata map[string]string) (*types.GatewaySubscription, error) {
	params := url.Values{}
	params.Set("customer", customerRef)
	params.Set("items[0][price]", priceRef)
	params.Set("payment_behavior", "default_incomplete")
	for k, v := range metadata {
		params.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	resp, err := s.doPost(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapTransportError("CreateSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode subscription creation response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// UpdateSubscriptionPrice moves the subscription's single item to a new price
// for an immediate upgrade. Proration is disabled and the billing anchor is
// reset so the member is charged the full new price now and the resulting
// invoice event carries the upgrade's benefit grant.
func (s *StripeClient) UpdateSubscriptionPrice(ctx context.Context, ref, priceRef string) (*types.GatewaySubscription, error) {
	current, err := s.GetSubscription(ctx, ref)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("items[0][id]", current.ItemRef)
	params.Set("items[0][price]", priceRef)
	params.Set("proration_behavior", "none")
	params.Set("billing_cycle_anchor", "now")

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+url.PathEscape(ref), params)
	if err != nil {
		return nil, s.wrapTransportError("UpdateSubscriptionPrice", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "UpdateSubscriptionPrice")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode subscription update response",
			err,
		)
	}

	return mapStripeSubscription(&sub), nil
}

// ScheduleDowngrade creates a subscription schedule that keeps the current
// price until the end of the paid period and switches to the target price at
// the next phase. Returns the date the downgrade takes effect.
func (s *StripeClient) ScheduleDowngrade(ctx context.Context, ref, priceRef string) (time.Time, error) {
	current, err := s.GetSubscription(ctx, ref)
	if err != nil {
		return time.Time{}, err
	}

	createParams := url.Values{}
	createParams.Set("from_subscription", ref)

	createResp, err := s.doPost(ctx, "/v1/subscription_schedules", createParams)
	if err != nil {
		return time.Time{}, s.wrapTransportError("ScheduleDowngrade.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return time.Time{}, s.handleErrorResponse(createResp, "ScheduleDowngrade.create")
	}

	var schedule stripeSchedule
	if err := json.NewDecoder(createResp.Body).Decode(&schedule); err != nil {
		return time.Time{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode schedule creation response",
			err,
		)
	}

	periodEnd := current.CurrentPeriodEnd
	phaseParams := url.Values{}
	phaseParams.Set("phases[0][items][0][price]", current.PriceRef)
	phaseParams.Set("phases[0][end_date]", fmt.Sprintf("%d", periodEnd.Unix()))
	phaseParams.Set("phases[1][items][0][price]", priceRef)
	phaseParams.Set("end_behavior", "release")

	updateResp, err := s.doPost(ctx, "/v1/subscription_schedules/"+url.PathEscape(schedule.ID), phaseParams)
	if err != nil {
		return time.Time{}, s.wrapTransportError("ScheduleDowngrade.update", err)
	}
	defer updateResp.Body.Close()

	if updateResp.StatusCode != http.StatusOK {
		return time.Time{}, s.handleErrorResponse(updateResp, "ScheduleDowngrade.update")
	}

	s.logger.InfoContext(ctx, "downgrade schedule created",
		"subscription_ref", ref,
		"schedule_ref", schedule.ID,
		"effective_at", periodEnd,
	)
	return periodEnd, nil
}

// SetCancelAtPeriodEnd flips the subscription's cancel_at_period_end flag.
func (s *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, ref string, cancel bool) error {
	params := url.Values{}
	params.Set("cancel_at_period_end", fmt.Sprintf("%t", cancel))

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+url.PathEscape(ref), params)
	if err != nil {
		return s.wrapTransportError("SetCancelAtPeriodEnd", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "SetCancelAtPeriodEnd")
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the gateway API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the gateway.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a gateway error response and maps it to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamGateway,
			fmt.Sprintf("%s: gateway returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var gwErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &gwErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamGateway,
			fmt.Sprintf("%s: gateway returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapGatewayError(operation, resp.StatusCode, &gwErr.Error)
}

// mapGatewayError translates a gateway error body into an AppError.
func (s *StripeClient) mapGatewayError(operation string, statusCode int, gwErr *stripeErrorBody) error {
	if gwErr.Code == "card_declined" || gwErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, gwErr.Message),
			nil,
			map[string]any{
				"decline_code": gwErr.DeclineCode,
				"gateway_code": gwErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: gateway rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: gateway server error: %s", operation, gwErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundAccount,
			fmt.Sprintf("%s: gateway resource not found: %s", operation, gwErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamGateway,
			fmt.Sprintf("%s: gateway error (%d): %s", operation, statusCode, gwErr.Message),
			nil,
		)
	}
}

// wrapTransportError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapTransportError(operation string, err error) error {
	// AppErrors from BaseClient (breaker open, retries exhausted) already
	// carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamGateway,
		fmt.Sprintf("%s: gateway request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Gateway Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSearchResult struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Customer           string                  `json:"customer"`
	Items              stripeSubscriptionItems `json:"items"`
	Metadata           map[string]string       `json:"metadata"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID    string      `json:"id"`
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripeSchedule struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Subscription string `json:"subscription"`
}

// mapStripeSubscription converts a gateway subscription payload to the domain
// representation.
func mapStripeSubscription(sub *stripeSubscription) *types.GatewaySubscription {
	gw := &types.GatewaySubscription{
		Ref:               sub.ID,
		CustomerRef:       sub.Customer,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		Metadata:          sub.Metadata,
	}
	if len(sub.Items.Data) > 0 {
		gw.ItemRef = sub.Items.Data[0].ID
		gw.PriceRef = sub.Items.Data[0].Price.ID
	}
	return gw
}
