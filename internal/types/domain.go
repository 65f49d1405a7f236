package types

import "time"

// Account represents a member of the platform. It is the aggregate the benefit
// grant engine and subscription state machine mutate; no other component
// writes to it.
type Account struct {
	ID            string       `json:"id"`
	Email         string       `json:"email"`
	Subscription  Subscription `json:"subscription"`
	EntryBalance  int64        `json:"entry_balance"`
	PointsBalance int64        `json:"points_balance"`

	// Gateway references.
	BillingCustomerRef string `json:"billing_customer_ref"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription is the account's single active subscription descriptor.
// At most one exists per account; a ChangeType-tagged PendingChange overlays
// it while an upgrade or downgrade awaits gateway confirmation.
type Subscription struct {
	PackageID   string             `json:"package_id"`
	Status      SubscriptionStatus `json:"status"`
	ExternalRef string             `json:"external_ref"` // gateway subscription id
	PriceRef    string             `json:"price_ref"`    // gateway price id currently billed
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	EndsAt      *time.Time         `json:"ends_at,omitempty"`
	AutoRenew   bool               `json:"auto_renew"`

	// LastUpgradeAt guards against a cancellation event for a just-replaced
	// subscription arriving after the replacement.
	LastUpgradeAt *time.Time `json:"last_upgrade_at,omitempty"`

	PendingChange *PendingChange `json:"pending_change,omitempty"`
}

// PendingChange records a requested but not-yet-confirmed subscription change.
// It is created by the member-facing endpoints and cleared when the webhook
// path confirms and applies the change, or superseded by a newer request.
type PendingChange struct {
	TargetPackageID string     `json:"target_package_id"`
	TargetPriceRef  string     `json:"target_price_ref"`
	Type            ChangeType `json:"type"`
	ExternalRef     string     `json:"external_ref"` // subscription the change applies to
	PaymentRef      string     `json:"payment_ref,omitempty"`
	// EffectiveAt is the gateway-provided date a scheduled downgrade takes
	// effect. When present it is authoritative; price comparison is only a
	// fallback.
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
}

// LedgerEntry is one row of the idempotency ledger: exactly one per logical
// payment that granted benefits. PaymentKey is unique across the entire
// ledger; this uniqueness is the system's sole defense against duplicate
// processing. Rows are insert-only -- AppliedAt is the single column that
// changes after creation.
type LedgerEntry struct {
	ID         string      `json:"id"`
	PaymentKey string      `json:"payment_key"`
	AccountID  string      `json:"account_id"`

	Package PackageSnapshot `json:"package"`
	Source  GrantSource     `json:"source"`

	CreatedAt time.Time  `json:"created_at"`
	// AppliedAt is set once the account mutation for this entry has been
	// applied. A nil AppliedAt past the reconciliation threshold means the
	// mutation failed after the ledger write and must be re-applied.
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// PackageSnapshot freezes the package attributes at grant time so ledger rows
// stay meaningful if catalog data changes later.
type PackageSnapshot struct {
	PackageID  string      `json:"package_id"`
	Type       PackageType `json:"type"`
	Name       string      `json:"name"`
	Entries    int64       `json:"entries"`
	Points     int64       `json:"points"`
	PriceCents int64       `json:"price_cents"`
}

// PackageDefinition is read-only reference data describing a purchasable
// package. The core looks packages up by id and never mutates them.
type PackageDefinition struct {
	ID         string      `json:"id"`
	Type       PackageType `json:"type"`
	Name       string      `json:"name"`
	PriceCents int64       `json:"price_cents"`
	PriceRef   string      `json:"price_ref"` // gateway price id
	Entries    int64       `json:"entries"`
	Points     int64       `json:"points"`
	// DiscountPercent is the shop discount granted to active subscribers of
	// this package. Informational for the core; enforced by the shop.
	DiscountPercent int `json:"discount_percent"`
	Active          bool `json:"active"`
}

// Promotion is an optional, time-bounded entry multiplier for a package
// category. Read-only to the core; looked up at grant time.
type Promotion struct {
	ID         string      `json:"id"`
	Category   PackageType `json:"category"`
	Multiplier int64       `json:"multiplier"`
	StartsAt   time.Time   `json:"starts_at"`
	EndsAt     time.Time   `json:"ends_at"`
	Active     bool        `json:"active"`
}

// AppliesAt reports whether the promotion is live at the given instant.
func (p *Promotion) AppliesAt(t time.Time) bool {
	return p.Active && p.Multiplier > 1 && !t.Before(p.StartsAt) && t.Before(p.EndsAt)
}

// Benefits is the calculator's output: what a confirmed payment grants.
type Benefits struct {
	Entries int64 `json:"entries"`
	Points  int64 `json:"points"`
}

// IsZero reports whether the benefits grant nothing.
func (b Benefits) IsZero() bool {
	return b.Entries == 0 && b.Points == 0
}
