package event

import (
	"context"
	"log/slog"
)

// PaymentProcessor handles the benefit-granting events.
// Implemented by the benefits service.
type PaymentProcessor interface {
	// HandleChargeSucceeded grants benefits for explicitly-tagged one-time
	// charges; subscription charges (InvoiceID set) are skipped here.
	HandleChargeSucceeded(ctx context.Context, ev ChargeSucceeded) error

	// HandleInvoicePaid is the canonical subscription benefit-granting path.
	HandleInvoicePaid(ctx context.Context, ev InvoicePaid) error
}

// SubscriptionProcessor handles the lifecycle events.
// Implemented by the subscription service.
type SubscriptionProcessor interface {
	HandleSubscriptionCreated(ctx context.Context, ev SubscriptionCreated) error
	HandleSubscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) error
	HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) error
	HandleSchedulePhase(ctx context.Context, ev SchedulePhase) error

	// HandleChargeFailed and HandleInvoiceFailed mark the account past_due
	// and emit the failure notification.
	HandleChargeFailed(ctx context.Context, ev ChargeFailed) error
	HandleInvoiceFailed(ctx context.Context, ev InvoicePaymentFailed) error
}

// Router dispatches each verified, parsed event to its processor.
// Route returns an error only for genuinely retryable failures; intentional
// no-ops (unknown types, duplicates, stale references) return nil so the
// webhook endpoint acknowledges them and the gateway stops redelivering.
type Router struct {
	payments PaymentProcessor
	subs     SubscriptionProcessor
	logger   *slog.Logger
}

// NewRouter creates a Router with the given processors.
func NewRouter(payments PaymentProcessor, subs SubscriptionProcessor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{payments: payments, subs: subs, logger: logger}
}

// Route dispatches the event by variant. The type switch is exhaustive over
// the GatewayEvent union; adding a variant without a case here is a
// compile-time-visible omission during review, not a silently-ignored branch.
func (r *Router) Route(ctx context.Context, ev GatewayEvent) error {
	switch e := ev.(type) {
	case ChargeSucceeded:
		return r.payments.HandleChargeSucceeded(ctx, e)
	case InvoicePaid:
		return r.payments.HandleInvoicePaid(ctx, e)
	case ChargeFailed:
		return r.subs.HandleChargeFailed(ctx, e)
	case InvoicePaymentFailed:
		return r.subs.HandleInvoiceFailed(ctx, e)
	case SubscriptionCreated:
		return r.subs.HandleSubscriptionCreated(ctx, e)
	case SubscriptionUpdated:
		return r.subs.HandleSubscriptionUpdated(ctx, e)
	case SubscriptionDeleted:
		return r.subs.HandleSubscriptionDeleted(ctx, e)
	case SchedulePhase:
		return r.subs.HandleSchedulePhase(ctx, e)
	case Unknown:
		r.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_id", e.EventID(),
			"event_type", e.EventType(),
		)
		return nil
	default:
		r.logger.WarnContext(ctx, "event variant with no route",
			"event_id", ev.EventID(),
			"event_type", ev.EventType(),
		)
		return nil
	}
}
