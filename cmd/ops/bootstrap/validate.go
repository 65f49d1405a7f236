package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ValidationResult holds the outcome of a validation check. It provides
// both a boolean pass/fail signal and a human-readable message suitable
// for display in the bootstrap CLI.
type ValidationResult struct {
	// Valid is true if the input passed all validation checks.
	Valid bool

	// Message is a human-readable description of the result.
	Message string
}

// HTTPClient is the interface used by validators that make outbound HTTP calls.
// It enables injecting mock HTTP transports for testing without making real
// network calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector abstracts the database connection logic for testing.
// In production, the real implementation uses pgx.Connect. Tests inject
// a mock that simulates connection success/failure.
type DatabaseConnector interface {
	// Connect attempts to establish a connection to the database at the
	// given DSN. The implementation MUST close the connection before
	// returning.
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector is the production implementation of DatabaseConnector.
type PgxConnector struct{}

// Connect establishes a connection to the database using pgx and immediately
// closes it. The purpose is to verify that the DSN is reachable and the
// credentials are valid, not to maintain an open connection.
func (c *PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// Validator encapsulates the dependencies needed by input validation
// functions. It is constructed during bootstrap initialization and threaded
// through the validation phases.
type Validator struct {
	httpClient HTTPClient
	dbConn     DatabaseConnector
}

// NewValidator creates a Validator with production dependencies: a real
// HTTP client with a 10-second timeout and a real pgx connector.
func NewValidator() *Validator {
	return &Validator{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		dbConn: &PgxConnector{},
	}
}

// NewValidatorWithDeps creates a Validator with injected dependencies
// for testing.
func NewValidatorWithDeps(httpClient HTTPClient, dbConn DatabaseConnector) *Validator {
	return &Validator{
		httpClient: httpClient,
		dbConn:     dbConn,
	}
}

// validateTimeout is the per-probe timeout for active validation calls.
// This is separate from the HTTP client timeout to serve as an outer bound
// that also covers DNS resolution, TLS handshake, etc.
const validateTimeout = 15 * time.Second

// ValidateDatabaseURL validates a PostgreSQL connection string by parsing
// it and then attempting an actual connection to verify the credentials
// and network reachability. The connection is immediately closed.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Valid: false, Message: "database URL must not be empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("database URL is not a valid URL: %v", err)}
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("database URL scheme must be postgres://, got %q", parsed.Scheme)}
	}

	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	if err := v.dbConn.Connect(probeCtx, rawURL); err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("database connection failed: %v", err)}
	}

	return ValidationResult{Valid: true, Message: fmt.Sprintf("database reachable at %s", parsed.Host)}
}

// stripeSecretKeyPattern matches Stripe secret keys (sk_test_... / sk_live_...).
var stripeSecretKeyPattern = regexp.MustCompile(`^sk_(test|live)_[0-9a-zA-Z]{24,}$`)

// webhookSecretPattern matches Stripe webhook signing secrets.
var webhookSecretPattern = regexp.MustCompile(`^whsec_[0-9a-zA-Z]{24,}$`)

// sqsQueueURLPattern matches SQS queue URLs, including LocalStack endpoints.
var sqsQueueURLPattern = regexp.MustCompile(`^https?://.+/[0-9]{12}/[A-Za-z0-9_-]+$`)

// ValidateStripeKey validates a Stripe secret key format and then probes the
// Stripe API (GET /v1/account) to confirm the key is live. Format-only
// failure messages never include the key itself.
func (v *Validator) ValidateStripeKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if !stripeSecretKeyPattern.MatchString(key) {
		return ValidationResult{Valid: false, Message: "key does not look like a Stripe secret key (expected sk_test_... or sk_live_...)"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, "https://api.stripe.com/v1/account", nil)
	if err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("building Stripe probe request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("Stripe API unreachable: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ValidationResult{Valid: false, Message: "Stripe rejected the key (401 Unauthorized)"}
	}
	if resp.StatusCode != http.StatusOK {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("unexpected Stripe API status %d", resp.StatusCode)}
	}

	// Pull the account name out of the response for the confirmation message.
	var account struct {
		ID       string `json:"id"`
		Settings struct {
			Dashboard struct {
				DisplayName string `json:"display_name"`
			} `json:"dashboard"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		// The key worked; a malformed body is not a validation failure.
		return ValidationResult{Valid: true, Message: "Stripe key verified"}
	}

	name := account.Settings.Dashboard.DisplayName
	if name == "" {
		name = account.ID
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("Stripe account verified: %s", name)}
}

// ValidateWebhookSecret validates a Stripe webhook signing secret format.
// There is no API to probe a signing secret, so this is format-only.
func (v *Validator) ValidateWebhookSecret(_ context.Context, secret string) ValidationResult {
	secret = strings.TrimSpace(secret)
	if !webhookSecretPattern.MatchString(secret) {
		return ValidationResult{Valid: false, Message: "value does not look like a webhook signing secret (expected whsec_...)"}
	}
	return ValidationResult{Valid: true, Message: "webhook signing secret format OK"}
}

// ValidateQueueURL validates an SQS queue URL format.
func (v *Validator) ValidateQueueURL(_ context.Context, queueURL string) ValidationResult {
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return ValidationResult{Valid: false, Message: "queue URL must not be empty"}
	}
	if !sqsQueueURLPattern.MatchString(queueURL) {
		return ValidationResult{Valid: false, Message: "value does not look like an SQS queue URL"}
	}
	return ValidationResult{Valid: true, Message: "queue URL format OK"}
}

// ValidateRegex is a generic helper for format-only checks against a pattern.
func (v *Validator) ValidateRegex(_ context.Context, input, pattern, label string) ValidationResult {
	input = strings.TrimSpace(input)
	matched, err := regexp.MatchString(pattern, input)
	if err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("invalid validation pattern for %s: %v", label, err)}
	}
	if !matched {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("%s format is invalid", label)}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("%s format OK", label)}
}
