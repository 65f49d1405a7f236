package subscription

import (
	"context"
	"fmt"

	"drawclub/internal/types"
)

// Subscribe starts a new subscription for the account. The gateway customer is
// created on first use, the subscription is created with the package id in its
// metadata so later webhook events are self-describing, and the account enters
// the incomplete status until the first payment confirms.
func (s *Service) Subscribe(ctx context.Context, accountID, packageID string) (*types.Account, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	switch acct.Subscription.Status {
	case types.SubStatusActive, types.SubStatusPastDue:
		return nil, types.NewAppError(types.ErrCodeConflictAlreadySubscribed,
			"account already has a subscription", nil)
	}

	pkg, err := s.requireSubscriptionPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}

	customerRef := acct.BillingCustomerRef
	if customerRef == "" {
		customerRef, err = s.gateway.EnsureCustomer(ctx, acct.ID, acct.Email)
		if err != nil {
			return nil, err
		}
		if err := s.accounts.SetBillingCustomerRef(ctx, acct.ID, customerRef); err != nil {
			return nil, err
		}
	}

	sub, err := s.gateway.CreateSubscription(ctx, customerRef, pkg.PriceRef, map[string]string{
		"account_id": acct.ID,
		"package_id": pkg.ID,
	})
	if err != nil {
		return nil, err
	}

	started, err := s.accounts.BeginSubscription(ctx, acct.ID, types.Subscription{
		PackageID:   pkg.ID,
		Status:      types.SubStatusIncomplete,
		ExternalRef: sub.Ref,
		PriceRef:    pkg.PriceRef,
		AutoRenew:   true,
	})
	if err != nil {
		return nil, err
	}
	if !started {
		// Another subscription activated between the read and the write.
		return nil, types.NewAppError(types.ErrCodeConflictAlreadySubscribed,
			"account already has a subscription", nil)
	}

	s.logger.InfoContext(ctx, "subscription started, awaiting first payment",
		"account_id", acct.ID,
		"package_id", pkg.ID,
		"subscription_ref", sub.Ref,
	)
	return s.accounts.GetByID(ctx, acct.ID)
}

// Upgrade moves an active subscription to a more expensive package. The
// gateway subscription is repriced immediately with no proration and a reset
// billing anchor, so the member pays the full new price now; the benefit
// credit for the upgrade lands when the resulting invoice event arrives. The
// local record is a pending change until then.
func (s *Service) Upgrade(ctx context.Context, accountID, packageID string) (*types.Account, error) {
	acct, pkg, err := s.prepareChange(ctx, accountID, packageID)
	if err != nil {
		return nil, err
	}
	current, err := s.catalog.GetPackage(ctx, acct.Subscription.PackageID)
	if err != nil {
		return nil, err
	}
	if pkg.PriceCents <= current.PriceCents {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidChange,
			fmt.Sprintf("package %s is not an upgrade from %s", pkg.ID, current.ID), nil)
	}

	if _, err := s.gateway.UpdateSubscriptionPrice(ctx, acct.Subscription.ExternalRef, pkg.PriceRef); err != nil {
		return nil, err
	}

	if err := s.accounts.SetPendingChange(ctx, acct.ID, &types.PendingChange{
		TargetPackageID: pkg.ID,
		TargetPriceRef:  pkg.PriceRef,
		Type:            types.ChangeUpgrade,
		ExternalRef:     acct.Subscription.ExternalRef,
		RequestedAt:     s.now(),
	}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "upgrade requested, awaiting payment confirmation",
		"account_id", acct.ID,
		"from_package", current.ID,
		"to_package", pkg.ID,
	)
	return s.accounts.GetByID(ctx, acct.ID)
}

// Downgrade schedules a move to a cheaper package at the end of the current
// billing period. The member keeps the benefits already paid for; the gateway
// schedule fires the phase transition that applies the change, and the
// returned effective date is recorded as the authoritative switch time.
func (s *Service) Downgrade(ctx context.Context, accountID, packageID string) (*types.Account, error) {
	acct, pkg, err := s.prepareChange(ctx, accountID, packageID)
	if err != nil {
		return nil, err
	}
	current, err := s.catalog.GetPackage(ctx, acct.Subscription.PackageID)
	if err != nil {
		return nil, err
	}
	if pkg.PriceCents >= current.PriceCents {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidChange,
			fmt.Sprintf("package %s is not a downgrade from %s", pkg.ID, current.ID), nil)
	}

	effectiveAt, err := s.gateway.ScheduleDowngrade(ctx, acct.Subscription.ExternalRef, pkg.PriceRef)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.SetPendingChange(ctx, acct.ID, &types.PendingChange{
		TargetPackageID: pkg.ID,
		TargetPriceRef:  pkg.PriceRef,
		Type:            types.ChangeDowngrade,
		ExternalRef:     acct.Subscription.ExternalRef,
		EffectiveAt:     &effectiveAt,
		RequestedAt:     s.now(),
	}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "downgrade scheduled",
		"account_id", acct.ID,
		"from_package", current.ID,
		"to_package", pkg.ID,
		"effective_at", effectiveAt,
	)
	return s.accounts.GetByID(ctx, acct.ID)
}

// Renew re-enables auto-renewal on a subscription previously set to cancel at
// period end.
func (s *Service) Renew(ctx context.Context, accountID string) (*types.Account, error) {
	acct, err := s.requireActive(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.Subscription.AutoRenew {
		return acct, nil
	}

	if err := s.gateway.SetCancelAtPeriodEnd(ctx, acct.Subscription.ExternalRef, false); err != nil {
		return nil, err
	}
	if _, err := s.accounts.SetAutoRenew(ctx, acct.ID, acct.Subscription.ExternalRef, true); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "auto-renew restored",
		"account_id", acct.ID,
		"subscription_ref", acct.Subscription.ExternalRef,
	)
	return s.accounts.GetByID(ctx, acct.ID)
}

// Cancel turns off auto-renewal. The subscription stays active until the end
// of the paid period; the gateway's deletion event performs the terminal
// transition when the period lapses.
func (s *Service) Cancel(ctx context.Context, accountID string) (*types.Account, error) {
	acct, err := s.requireActive(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acct.Subscription.AutoRenew {
		return acct, nil
	}

	if err := s.gateway.SetCancelAtPeriodEnd(ctx, acct.Subscription.ExternalRef, true); err != nil {
		return nil, err
	}
	if _, err := s.accounts.SetAutoRenew(ctx, acct.ID, acct.Subscription.ExternalRef, false); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "cancellation requested, subscription runs to period end",
		"account_id", acct.ID,
		"subscription_ref", acct.Subscription.ExternalRef,
	)
	return s.accounts.GetByID(ctx, acct.ID)
}

// prepareChange validates the common preconditions for upgrade and downgrade:
// the subscription must be active, no other change may be pending, and the
// target must be a distinct, active subscription package.
func (s *Service) prepareChange(ctx context.Context, accountID, packageID string) (*types.Account, *types.PackageDefinition, error) {
	acct, err := s.requireActive(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if acct.Subscription.PendingChange != nil {
		return nil, nil, types.NewAppError(types.ErrCodeConflictPendingChange,
			"a subscription change is already pending", nil)
	}
	if acct.Subscription.PackageID == packageID {
		return nil, nil, types.NewAppError(types.ErrCodeConflictSamePackage,
			"account is already on this package", nil)
	}

	pkg, err := s.requireSubscriptionPackage(ctx, packageID)
	if err != nil {
		return nil, nil, err
	}
	return acct, pkg, nil
}

func (s *Service) requireActive(ctx context.Context, accountID string) (*types.Account, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.Subscription.Status != types.SubStatusActive {
		return nil, types.NewAppError(types.ErrCodeConflictNoSubscription,
			"account has no active subscription", nil)
	}
	return acct, nil
}

func (s *Service) requireSubscriptionPackage(ctx context.Context, packageID string) (*types.PackageDefinition, error) {
	pkg, err := s.catalog.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if pkg.Type != types.PackageSubscription || !pkg.Active {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPackage,
			fmt.Sprintf("package %s is not an active subscription package", packageID), nil)
	}
	return pkg, nil
}
