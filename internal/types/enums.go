package types

// SubscriptionStatus describes the lifecycle state of a member's subscription.
// The legal progression is none -> incomplete -> active -> {past_due, canceled}.
type SubscriptionStatus string

const (
	SubStatusNone       SubscriptionStatus = "none"
	SubStatusIncomplete SubscriptionStatus = "incomplete"
	SubStatusActive     SubscriptionStatus = "active"
	SubStatusPastDue    SubscriptionStatus = "past_due"
	SubStatusCanceled   SubscriptionStatus = "canceled"
)

// ChangeType distinguishes the two kinds of pending subscription changes.
type ChangeType string

const (
	ChangeUpgrade   ChangeType = "upgrade"
	ChangeDowngrade ChangeType = "downgrade"
)

// PackageType categorizes purchasable packages.
// Subscription packages renew monthly; one-time and mini-draw packages are
// single purchases that may qualify for promotional entry multipliers.
type PackageType string

const (
	PackageSubscription PackageType = "subscription"
	PackageOneTime      PackageType = "one_time"
	PackageMiniDraw     PackageType = "mini_draw"
)

// BillingReason mirrors the gateway's invoice billing_reason values that the
// benefit calculator recognizes. Anything else maps to BillingReasonUnknown
// and grants no benefits (fail safe).
type BillingReason string

const (
	BillingReasonCreate  BillingReason = "subscription_create"
	BillingReasonCycle   BillingReason = "subscription_cycle"
	BillingReasonUpdate  BillingReason = "subscription_update"
	BillingReasonUnknown BillingReason = ""
)

// ParseBillingReason maps a raw gateway billing_reason string to the domain
// enum. Unrecognized values collapse to BillingReasonUnknown so that
// administrative or manual invoices never grant benefits.
func ParseBillingReason(raw string) BillingReason {
	switch raw {
	case string(BillingReasonCreate):
		return BillingReasonCreate
	case string(BillingReasonCycle):
		return BillingReasonCycle
	case string(BillingReasonUpdate):
		return BillingReasonUpdate
	default:
		return BillingReasonUnknown
	}
}

// GrantSource records which path produced a ledger entry.
type GrantSource string

const (
	// GrantSourceCheckout marks grants applied synchronously during a
	// user-initiated purchase flow.
	GrantSourceCheckout GrantSource = "checkout"
	// GrantSourceWebhook marks grants confirmed asynchronously by a gateway
	// webhook event.
	GrantSourceWebhook GrantSource = "webhook"
)

// EventOutcome labels how the pipeline disposed of an inbound event, used for
// telemetry dimensions.
type EventOutcome string

const (
	OutcomeGranted   EventOutcome = "granted"
	OutcomeApplied   EventOutcome = "applied"
	OutcomeDuplicate EventOutcome = "duplicate"
	OutcomeSkipped   EventOutcome = "skipped"
	OutcomeStale     EventOutcome = "stale"
	OutcomeDeferred  EventOutcome = "deferred"
	OutcomeFailed    EventOutcome = "failed"
)
