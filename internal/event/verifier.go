package event

import (
	stripe "github.com/stripe/stripe-go/v82"
)

// Verifier authenticates an inbound webhook payload against the shared
// signing secret. Implementations must be side-effect free.
type Verifier interface {
	// Verify returns nil if the signature header matches the payload under
	// the given secret, and an error otherwise.
	Verify(payload []byte, sigHeader string, secret string) error
}

// StripeVerifier verifies gateway signatures using the SDK's HMAC-SHA256
// validation, which also enforces the timestamp tolerance window against
// replayed deliveries.
type StripeVerifier struct{}

// Verify validates the payload against the Stripe-Signature header.
func (v *StripeVerifier) Verify(payload []byte, sigHeader string, secret string) error {
	return stripe.ValidatePayload(payload, sigHeader, secret)
}

// Compile-time assertion that StripeVerifier satisfies Verifier.
var _ Verifier = (*StripeVerifier)(nil)
