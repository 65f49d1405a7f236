// Package benefits implements the benefit-granting side of the payment
// pipeline: the calculator that turns a confirmed payment into entries and
// points, and the grant engine that applies them exactly once per logical
// payment.
package benefits

import (
	"context"
	"log/slog"
	"time"

	"drawclub/internal/types"
)

// PromotionLookup resolves the promotion live for a package category.
// This is the subset of CatalogRepo the calculator needs.
type PromotionLookup interface {
	// GetActivePromotion returns nil when no promotion applies.
	GetActivePromotion(ctx context.Context, category types.PackageType, at time.Time) (*types.Promotion, error)
}

// Calculator derives the benefits a payment grants. Deterministic given the
// same package, billing reason, and promotion state; no randomness.
type Calculator struct {
	promos PromotionLookup
	now    func() time.Time
	logger *slog.Logger
}

// NewCalculator creates a Calculator. The promotion lookup may be nil when
// promotions are disabled; one-time purchases then always grant base entries.
func NewCalculator(promos PromotionLookup, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{promos: promos, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// ForSubscription computes the benefits for a subscription invoice payment.
//
// Policy:
//   - Fresh creation and renewal grant the package's full entries and points.
//   - Upgrades run under the no-proration, full-price, cycle-reset policy, so
//     they also grant the full benefits of the new package rather than a
//     prorated fraction.
//   - Promotions never apply to subscription payments.
//   - Unrecognized billing reasons grant nothing, so administrative or manual
//     invoices can never credit entries.
func (c *Calculator) ForSubscription(pkg *types.PackageDefinition, reason types.BillingReason) types.Benefits {
	switch reason {
	case types.BillingReasonCreate, types.BillingReasonCycle, types.BillingReasonUpdate:
		return types.Benefits{Entries: pkg.Entries, Points: pkg.Points}
	default:
		return types.Benefits{}
	}
}

// ForOneTime computes the benefits for the initial purchase of a one-time or
// mini-draw package. An active promotion for the package's category
// multiplies the entries (points are never multiplied).
func (c *Calculator) ForOneTime(ctx context.Context, pkg *types.PackageDefinition) (types.Benefits, error) {
	b := types.Benefits{Entries: pkg.Entries, Points: pkg.Points}

	if pkg.Type != types.PackageOneTime && pkg.Type != types.PackageMiniDraw {
		// Subscription packages bought outside the invoice path grant nothing
		// here; the invoice event is authoritative for them.
		return types.Benefits{}, nil
	}

	if c.promos == nil {
		return b, nil
	}

	promo, err := c.promos.GetActivePromotion(ctx, pkg.Type, c.now())
	if err != nil {
		return types.Benefits{}, err
	}
	if promo != nil && promo.AppliesAt(c.now()) {
		c.logger.InfoContext(ctx, "applying promotion multiplier",
			"promotion_id", promo.ID,
			"category", string(pkg.Type),
			"multiplier", promo.Multiplier,
		)
		b.Entries *= promo.Multiplier
	}

	return b, nil
}
