package event

import (
	"encoding/json"
	"fmt"
	"time"

	"drawclub/internal/types"
)

// rawEnvelope is the minimal JSON shape of a gateway webhook delivery.
// The full gateway SDK event type is deliberately avoided: parsing only the
// fields the platform consumes keeps the handlers decoupled from the SDK and
// makes fixtures in tests small.
type rawEnvelope struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Created int64   `json:"created"`
	Data    rawData `json:"data"`
}

type rawData struct {
	Object json.RawMessage `json:"object"`
}

type rawCharge struct {
	ID          string            `json:"id"`
	Customer    string            `json:"customer"`
	Invoice     string            `json:"invoice"`
	Amount      int64             `json:"amount"`
	Metadata    map[string]string `json:"metadata"`
	FailureMsg  string            `json:"failure_message"`
}

type rawSubscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             rawSubItems       `json:"items"`
}

type rawSubItems struct {
	Data []rawSubItem `json:"data"`
}

type rawSubItem struct {
	Price rawPrice `json:"price"`
}

type rawPrice struct {
	ID string `json:"id"`
}

type rawInvoice struct {
	ID                  string            `json:"id"`
	Customer            string            `json:"customer"`
	Subscription        string            `json:"subscription"`
	BillingReason       string            `json:"billing_reason"`
	AmountPaid          int64             `json:"amount_paid"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *rawSubDetails    `json:"subscription_details"`
}

type rawSubDetails struct {
	Metadata map[string]string `json:"metadata"`
}

type rawSchedule struct {
	ID           string          `json:"id"`
	Customer     string          `json:"customer"`
	Subscription string          `json:"subscription"`
	CurrentPhase *rawPhase       `json:"current_phase"`
	Phases       []rawPhaseItems `json:"phases"`
}

type rawPhase struct {
	StartDate int64 `json:"start_date"`
	EndDate   int64 `json:"end_date"`
}

type rawPhaseItems struct {
	StartDate int64          `json:"start_date"`
	Items     []rawPhaseItem `json:"items"`
}

type rawPhaseItem struct {
	Price string `json:"price"`
}

// Parse converts a verified webhook payload into a typed GatewayEvent.
// Unrecognized event types parse successfully into Unknown so the endpoint
// can acknowledge them; a malformed envelope or data object is an error.
func Parse(payload []byte) (GatewayEvent, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid webhook event JSON",
			err,
		)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"webhook event missing id or type",
			nil,
		)
	}

	env := Envelope{
		ID:      raw.ID,
		Type:    raw.Type,
		Created: time.Unix(raw.Created, 0).UTC(),
	}

	switch raw.Type {
	case TypeChargeSucceeded, TypeChargeFailed:
		var c rawCharge
		if err := unmarshalObject(raw.Data.Object, raw.Type, &c); err != nil {
			return nil, err
		}
		if raw.Type == TypeChargeFailed {
			return ChargeFailed{
				Envelope:       env,
				ChargeID:       c.ID,
				CustomerRef:    c.Customer,
				FailureMessage: c.FailureMsg,
			}, nil
		}
		return ChargeSucceeded{
			Envelope:    env,
			ChargeID:    c.ID,
			CustomerRef: c.Customer,
			InvoiceID:   c.Invoice,
			PackageID:   c.Metadata["package_id"],
			AmountCents: c.Amount,
		}, nil

	case TypeSubCreated, TypeSubUpdated:
		var s rawSubscription
		if err := unmarshalObject(raw.Data.Object, raw.Type, &s); err != nil {
			return nil, err
		}
		priceRef := ""
		if len(s.Items.Data) > 0 {
			priceRef = s.Items.Data[0].Price.ID
		}
		periodEnd := time.Unix(s.CurrentPeriodEnd, 0).UTC()
		if raw.Type == TypeSubCreated {
			return SubscriptionCreated{
				Envelope:        env,
				SubscriptionRef: s.ID,
				CustomerRef:     s.Customer,
				Status:          s.Status,
				PriceRef:        priceRef,
				AutoRenew:       !s.CancelAtPeriodEnd,
				PeriodEnd:       periodEnd,
			}, nil
		}
		return SubscriptionUpdated{
			Envelope:        env,
			SubscriptionRef: s.ID,
			CustomerRef:     s.Customer,
			Status:          s.Status,
			PriceRef:        priceRef,
			AutoRenew:       !s.CancelAtPeriodEnd,
			PeriodEnd:       periodEnd,
		}, nil

	case TypeSubDeleted:
		var s rawSubscription
		if err := unmarshalObject(raw.Data.Object, raw.Type, &s); err != nil {
			return nil, err
		}
		return SubscriptionDeleted{
			Envelope:        env,
			SubscriptionRef: s.ID,
			CustomerRef:     s.Customer,
		}, nil

	case TypeInvoicePaid, TypeInvoiceFailed:
		var inv rawInvoice
		if err := unmarshalObject(raw.Data.Object, raw.Type, &inv); err != nil {
			return nil, err
		}
		if raw.Type == TypeInvoiceFailed {
			return InvoicePaymentFailed{
				Envelope:        env,
				InvoiceID:       inv.ID,
				SubscriptionRef: inv.Subscription,
				CustomerRef:     inv.Customer,
			}, nil
		}
		return InvoicePaid{
			Envelope:        env,
			InvoiceID:       inv.ID,
			SubscriptionRef: inv.Subscription,
			CustomerRef:     inv.Customer,
			BillingReason:   inv.BillingReason,
			PackageID:       invoicePackageID(&inv),
			AmountCents:     inv.AmountPaid,
		}, nil

	case TypeScheduleUpdated, TypeScheduleCompleted, TypeScheduleReleased:
		var sch rawSchedule
		if err := unmarshalObject(raw.Data.Object, raw.Type, &sch); err != nil {
			return nil, err
		}
		return SchedulePhase{
			Envelope:        env,
			Kind:            scheduleKind(raw.Type),
			ScheduleRef:     sch.ID,
			SubscriptionRef: sch.Subscription,
			CustomerRef:     sch.Customer,
			CurrentPriceRef: currentPhasePrice(&sch),
		}, nil

	default:
		return Unknown{Envelope: env}, nil
	}
}

// unmarshalObject decodes data.object into dst with a typed error on failure.
func unmarshalObject(obj json.RawMessage, eventType string, dst any) error {
	if len(obj) == 0 {
		return types.NewAppError(
			types.ErrCodeValidationMissingField,
			fmt.Sprintf("%s: event has no data object", eventType),
			nil,
		)
	}
	if err := json.Unmarshal(obj, dst); err != nil {
		return types.NewAppError(
			types.ErrCodeValidationMissingField,
			fmt.Sprintf("%s: invalid data object", eventType),
			err,
		)
	}
	return nil
}

// invoicePackageID resolves the package id an invoice bills for.
// subscription_details.metadata is preferred (the gateway copies subscription
// metadata there); invoice metadata is the fallback.
func invoicePackageID(inv *rawInvoice) string {
	if inv.SubscriptionDetails != nil {
		if id := inv.SubscriptionDetails.Metadata["package_id"]; id != "" {
			return id
		}
	}
	return inv.Metadata["package_id"]
}

// scheduleKind returns the trailing segment of a schedule event type.
func scheduleKind(eventType string) string {
	switch eventType {
	case TypeScheduleCompleted:
		return "completed"
	case TypeScheduleReleased:
		return "released"
	default:
		return "updated"
	}
}

// currentPhasePrice resolves the price of the schedule phase that is active
// now. The phase list is matched against current_phase.start_date.
func currentPhasePrice(sch *rawSchedule) string {
	if sch.CurrentPhase == nil {
		return ""
	}
	for _, phase := range sch.Phases {
		if phase.StartDate == sch.CurrentPhase.StartDate && len(phase.Items) > 0 {
			return phase.Items[0].Price
		}
	}
	return ""
}
