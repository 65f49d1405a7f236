package types

import "time"

// NotificationKind identifies the kind of outbound notification event.
type NotificationKind string

const (
	NotifyPaymentFailed   NotificationKind = "payment_failed"
	NotifyBenefitsGranted NotificationKind = "benefits_granted"
	NotifySubscriptionCanceled NotificationKind = "subscription_canceled"
)

// NotificationMessage is the SQS payload handed to the notify worker, which
// forwards it to the marketing/notification collaborator. Delivery is
// fire-and-forget from the core's perspective: publishing failures are logged
// and never fail the originating transaction.
type NotificationMessage struct {
	MessageID  string           `json:"message_id"`
	TraceID    string           `json:"trace_id"`
	Kind       NotificationKind `json:"kind"`
	AccountID  string           `json:"account_id"`
	Email      string           `json:"email,omitempty"`
	PackageID  string           `json:"package_id,omitempty"`
	PaymentKey string           `json:"payment_key,omitempty"`
	Entries    int64            `json:"entries,omitempty"`
	Points     int64            `json:"points,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}
