package types

import "time"

// GatewaySubscription is the authoritative subscription state re-fetched from
// the payment gateway. Handlers consult it before deciding a transition when
// the event payload alone is ambiguous.
type GatewaySubscription struct {
	Ref               string            `json:"ref"`
	CustomerRef       string            `json:"customer_ref"`
	Status            string            `json:"status"`
	PriceRef          string            `json:"price_ref"`
	ItemRef           string            `json:"item_ref"` // gateway subscription item id

	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  time.Time         `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}
