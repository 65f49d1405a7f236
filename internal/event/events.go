// Package event implements the inbound payment-gateway event layer: signature
// verification, parsing of the JSON envelope into a typed event union, and
// routing of each event to its processor.
//
// Events are modeled as one Go struct per recognized gateway event type rather
// than a free-form metadata map, so adding a new event type is a
// compile-time-visible change to the union and the router's type switch.
package event

import "time"

// Gateway event type strings as delivered in the webhook envelope.
const (
	TypeChargeSucceeded     = "charge.succeeded"
	TypeChargeFailed        = "charge.failed"
	TypeSubCreated          = "customer.subscription.created"
	TypeSubUpdated          = "customer.subscription.updated"
	TypeSubDeleted          = "customer.subscription.deleted"
	TypeInvoicePaid         = "invoice.payment_succeeded"
	TypeInvoiceFailed       = "invoice.payment_failed"
	TypeScheduleUpdated     = "subscription_schedule.updated"
	TypeScheduleCompleted   = "subscription_schedule.completed"
	TypeScheduleReleased    = "subscription_schedule.released"
)

// GatewayEvent is the closed union of inbound gateway events. Each variant
// carries the typed fields its handlers need; the envelope id and creation
// time are common to all.
type GatewayEvent interface {
	EventID() string
	EventType() string
	OccurredAt() time.Time

	isGatewayEvent()
}

// Envelope holds the fields shared by every variant.
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
}

func (e Envelope) EventID() string       { return e.ID }
func (e Envelope) EventType() string     { return e.Type }
func (e Envelope) OccurredAt() time.Time { return e.Created }
func (Envelope) isGatewayEvent()         {}

// ChargeSucceeded is a direct (non-invoice) charge confirmation. Subscription
// charges also surface here but carry a non-empty InvoiceID; those are
// intentionally skipped in favor of the invoice-level event so the same
// logical payment is never granted twice across event categories.
type ChargeSucceeded struct {
	Envelope

	ChargeID    string
	CustomerRef string
	InvoiceID   string
	PackageID   string // metadata["package_id"], set for shop/one-time charges
	AmountCents int64
}

// ChargeFailed is a direct charge failure.
type ChargeFailed struct {
	Envelope

	ChargeID       string
	CustomerRef    string
	FailureMessage string
}

// SubscriptionCreated confirms a new gateway subscription.
type SubscriptionCreated struct {
	Envelope

	SubscriptionRef string
	CustomerRef     string
	Status          string
	PriceRef        string
	AutoRenew       bool
	PeriodEnd       time.Time
}

// SubscriptionUpdated reports any change to a gateway subscription: status,
// price, auto-renew flag, or billing period advance.
type SubscriptionUpdated struct {
	Envelope

	SubscriptionRef string
	CustomerRef     string
	Status          string
	PriceRef        string
	AutoRenew       bool
	PeriodEnd       time.Time
}

// SubscriptionDeleted reports a gateway subscription cancellation.
type SubscriptionDeleted struct {
	Envelope

	SubscriptionRef string
	CustomerRef     string
}

// InvoicePaid is the canonical subscription benefit-granting event.
type InvoicePaid struct {
	Envelope

	InvoiceID       string
	SubscriptionRef string
	CustomerRef     string
	BillingReason   string
	PackageID       string // subscription_details.metadata["package_id"]
	AmountCents     int64
}

// InvoicePaymentFailed reports a failed subscription invoice payment.
type InvoicePaymentFailed struct {
	Envelope

	InvoiceID       string
	SubscriptionRef string
	CustomerRef     string
}

// SchedulePhase covers the subscription_schedule.* family that drives
// scheduled-downgrade phase activation. Kind is the trailing segment of the
// event type (updated, completed, released).
type SchedulePhase struct {
	Envelope

	Kind            string
	ScheduleRef     string
	SubscriptionRef string
	CustomerRef     string
	CurrentPriceRef string
}

// Unknown is produced for event types the platform does not recognize.
// Handlers acknowledge it without side effects.
type Unknown struct {
	Envelope
}

// PaymentKey derives the logical payment identifier for a direct charge.
// It is keyed on the charge id, never on the delivery's envelope id, so
// redeliveries of the same charge collapse to one ledger row.
func (e ChargeSucceeded) PaymentKey() string { return "charge_" + e.ChargeID }

// PaymentKey derives the logical payment identifier for a paid invoice.
func (e InvoicePaid) PaymentKey() string { return "invoice_" + e.InvoiceID }
