package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"drawclub/internal/types"
)

// accountColumns is the SELECT list shared by all account lookups.
const accountColumns = `id, email, entry_balance, points_balance, billing_customer_ref,
	sub_package_id, sub_status, sub_external_ref, sub_price_ref,
	sub_started_at, sub_ends_at, sub_auto_renew, sub_last_upgrade_at,
	pending_package_id, pending_price_ref, pending_change_type,
	pending_external_ref, pending_payment_ref, pending_effective_at, pending_requested_at,
	created_at, updated_at`

// AccountRepo manages member accounts and their embedded subscription state.
//
// No external lock is held across a webhook handler's lookup-then-mutate
// sequence, so every mutation here is a conditional update keyed on the state
// the caller observed (current external subscription reference, pending-change
// correlation). RowsAffected() == 0 means the guard rejected a stale write;
// callers treat that as a no-op, never as last-writer-wins.
type AccountRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewAccountRepo creates an AccountRepo backed by the given database
// connection (pool or transaction).
func NewAccountRepo(db DBTX, logger *slog.Logger) *AccountRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountRepo{db: db, logger: logger}
}

// GetByID returns the account with the given id.
func (r *AccountRepo) GetByID(ctx context.Context, accountID string) (*types.Account, error) {
	return r.getWhere(ctx, `id = $1`, accountID)
}

// GetByCustomerRef returns the account owning the gateway billing customer.
func (r *AccountRepo) GetByCustomerRef(ctx context.Context, customerRef string) (*types.Account, error) {
	return r.getWhere(ctx, `billing_customer_ref = $1`, customerRef)
}

// GetByExternalRef returns the account whose current or pending subscription
// matches the gateway subscription reference. Events correlate on this.
func (r *AccountRepo) GetByExternalRef(ctx context.Context, externalRef string) (*types.Account, error) {
	return r.getWhere(ctx, `sub_external_ref = $1 OR pending_external_ref = $1`, externalRef)
}

func (r *AccountRepo) getWhere(ctx context.Context, where string, args ...any) (*types.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where, args...)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load account", err)
	}
	return acct, nil
}

// IncrementBalances adds the granted entries and points to the account.
// Additive, so re-application under the same ledger row guard is the only
// idempotency mechanism -- callers must hold a freshly-created ledger entry.
func (r *AccountRepo) IncrementBalances(ctx context.Context, accountID string, b types.Benefits) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET entry_balance = entry_balance + $1,
		     points_balance = points_balance + $2,
		     updated_at = NOW()
		 WHERE id = $3`,
		b.Entries, b.Points, accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment balances", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

// SetBillingCustomerRef records the gateway customer id for the account.
func (r *AccountRepo) SetBillingCustomerRef(ctx context.Context, accountID, customerRef string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET billing_customer_ref = $1, updated_at = NOW() WHERE id = $2`,
		customerRef, accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set billing customer ref", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

// SetPendingChange stores a pending upgrade/downgrade, superseding any
// previous pending change.
func (r *AccountRepo) SetPendingChange(ctx context.Context, accountID string, pc *types.PendingChange) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET pending_package_id = $1,
		     pending_price_ref = $2,
		     pending_change_type = $3,
		     pending_external_ref = $4,
		     pending_payment_ref = $5,
		     pending_effective_at = $6,
		     pending_requested_at = $7,
		     updated_at = NOW()
		 WHERE id = $8`,
		pc.TargetPackageID, pc.TargetPriceRef, pc.Type, pc.ExternalRef,
		nullIfEmpty(pc.PaymentRef), pc.EffectiveAt, pc.RequestedAt, accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set pending change", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

// ClearPendingChange removes the pending change, but only if it still refers
// to the given external subscription reference. A change superseded by a newer
// request is left alone.
func (r *AccountRepo) ClearPendingChange(ctx context.Context, accountID, externalRef string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET pending_package_id = NULL,
		     pending_price_ref = NULL,
		     pending_change_type = NULL,
		     pending_external_ref = NULL,
		     pending_payment_ref = NULL,
		     pending_effective_at = NULL,
		     pending_requested_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1
		   AND pending_external_ref = $2`,
		accountID, externalRef,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear pending change", err)
	}
	return nil
}

// BeginSubscription attaches a newly-requested gateway subscription in the
// incomplete state. Guarded so an account that already holds an active
// subscription is not silently overwritten.
func (r *AccountRepo) BeginSubscription(ctx context.Context, accountID string, sub types.Subscription) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET sub_package_id = $1,
		     sub_status = $2,
		     sub_external_ref = $3,
		     sub_price_ref = $4,
		     sub_started_at = $5,
		     sub_auto_renew = $6,
		     updated_at = NOW()
		 WHERE id = $7
		   AND sub_status NOT IN ('active', 'past_due')`,
		sub.PackageID, sub.Status, sub.ExternalRef, sub.PriceRef,
		sub.StartedAt, sub.AutoRenew, accountID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to begin subscription", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActivateIfRef transitions the subscription to active and extends the paid
// period, but only when the event's reference matches the account's current
// reference. Stale references are rejected by the guard (no rows updated).
func (r *AccountRepo) ActivateIfRef(ctx context.Context, accountID, externalRef string, periodEnd *time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET sub_status = 'active',
		     sub_started_at = COALESCE(sub_started_at, NOW()),
		     sub_ends_at = COALESCE($1, sub_ends_at),
		     updated_at = NOW()
		 WHERE id = $2
		   AND sub_external_ref = $3`,
		periodEnd, accountID, externalRef,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to activate subscription", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActivateFromPending applies a confirmed pending change: the subscription
// takes the pending target package and reference, the pending change is
// cleared, and the upgrade recency guard timestamp is stamped. The guard
// requires the pending change to still correlate with the confirming event's
// reference.
func (r *AccountRepo) ActivateFromPending(ctx context.Context, accountID string, sub types.Subscription) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET sub_package_id = $1,
		     sub_status = 'active',
		     sub_external_ref = $2,
		     sub_price_ref = $3,
		     sub_started_at = COALESCE(sub_started_at, NOW()),
		     sub_ends_at = $4,
		     sub_auto_renew = $5,
		     sub_last_upgrade_at = NOW(),
		     pending_package_id = NULL,
		     pending_price_ref = NULL,
		     pending_change_type = NULL,
		     pending_external_ref = NULL,
		     pending_payment_ref = NULL,
		     pending_effective_at = NULL,
		     pending_requested_at = NULL,
		     updated_at = NOW()
		 WHERE id = $6
		   AND pending_external_ref = $2`,
		sub.PackageID, sub.ExternalRef, sub.PriceRef, sub.EndsAt, sub.AutoRenew, accountID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply pending change", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetAutoRenew updates only the auto-renew flag, guarded on the current
// reference so an event from a superseded subscription cannot flip it.
func (r *AccountRepo) SetAutoRenew(ctx context.Context, accountID, externalRef string, autoRenew bool) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET sub_auto_renew = $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND sub_external_ref = $3`,
		autoRenew, accountID, externalRef,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to set auto renew", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetTerminalStatus applies past_due or canceled from an update event,
// guarded on the current reference. Other statuses are rejected here: the
// payment-success path owns the transition to active.
func (r *AccountRepo) SetTerminalStatus(ctx context.Context, accountID, externalRef string, status types.SubscriptionStatus) (bool, error) {
	if status != types.SubStatusPastDue && status != types.SubStatusCanceled {
		return false, types.NewAppError(
			types.ErrCodeValidationInvalidChange,
			"only past_due and canceled may be applied as terminal statuses",
			nil,
		)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET sub_status = $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND sub_external_ref = $3`,
		status, accountID, externalRef,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to set terminal status", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPastDue records a payment failure against the account regardless of
// pending-change state.
func (r *AccountRepo) MarkPastDue(ctx context.Context, accountID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET sub_status = 'past_due',
		     sub_auto_renew = FALSE,
		     updated_at = NOW()
		 WHERE id = $1`,
		accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark account past due", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

// CancelIfCurrent cancels the subscription only when the deleted reference is
// still the account's current reference, no pending change exists, and no
// upgrade landed within the recency window. A deletion event for a
// just-replaced subscription fails every one of these guards and becomes a
// no-op.
func (r *AccountRepo) CancelIfCurrent(ctx context.Context, accountID, externalRef string, recency time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET sub_status = 'canceled',
		     sub_auto_renew = FALSE,
		     updated_at = NOW()
		 WHERE id = $1
		   AND sub_external_ref = $2
		   AND pending_change_type IS NULL
		   AND (sub_last_upgrade_at IS NULL OR sub_last_upgrade_at < NOW() - $3::interval)`,
		accountID, externalRef, recency.String(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyDowngrade swaps the subscription to the pending downgrade target.
// Guarded on the pending change being a downgrade for the same reference, so
// it can only fire once per requested downgrade.
func (r *AccountRepo) ApplyDowngrade(ctx context.Context, accountID, externalRef, packageID, priceRef string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET sub_package_id = $1,
		     sub_price_ref = $2,
		     pending_package_id = NULL,
		     pending_price_ref = NULL,
		     pending_change_type = NULL,
		     pending_external_ref = NULL,
		     pending_payment_ref = NULL,
		     pending_effective_at = NULL,
		     pending_requested_at = NULL,
		     updated_at = NOW()
		 WHERE id = $3
		   AND sub_external_ref = $4
		   AND pending_change_type = 'downgrade'
		   AND pending_external_ref = $4`,
		packageID, priceRef, accountID, externalRef,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply downgrade", err)
	}
	return tag.RowsAffected() == 1, nil
}

// scanAccount reads one account row, mapping nullable subscription and
// pending-change columns onto the embedded structs.
func scanAccount(row pgx.Row) (*types.Account, error) {
	var (
		acct            types.Account
		billingRef      *string
		subPackageID    *string
		subStatus       *string
		subExternalRef  *string
		subPriceRef     *string
		pendPackageID   *string
		pendPriceRef    *string
		pendChangeType  *string
		pendExternalRef *string
		pendPaymentRef  *string
		pendEffectiveAt *time.Time
		pendRequestedAt *time.Time
	)

	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.EntryBalance,
		&acct.PointsBalance,
		&billingRef,
		&subPackageID,
		&subStatus,
		&subExternalRef,
		&subPriceRef,
		&acct.Subscription.StartedAt,
		&acct.Subscription.EndsAt,
		&acct.Subscription.AutoRenew,
		&acct.Subscription.LastUpgradeAt,
		&pendPackageID,
		&pendPriceRef,
		&pendChangeType,
		&pendExternalRef,
		&pendPaymentRef,
		&pendEffectiveAt,
		&pendRequestedAt,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if billingRef != nil {
		acct.BillingCustomerRef = *billingRef
	}

	acct.Subscription.Status = types.SubStatusNone
	if subStatus != nil {
		acct.Subscription.Status = types.SubscriptionStatus(*subStatus)
	}
	if subPackageID != nil {
		acct.Subscription.PackageID = *subPackageID
	}
	if subExternalRef != nil {
		acct.Subscription.ExternalRef = *subExternalRef
	}
	if subPriceRef != nil {
		acct.Subscription.PriceRef = *subPriceRef
	}

	if pendChangeType != nil {
		pc := &types.PendingChange{
			Type:        types.ChangeType(*pendChangeType),
			EffectiveAt: pendEffectiveAt,
		}
		if pendPackageID != nil {
			pc.TargetPackageID = *pendPackageID
		}
		if pendPriceRef != nil {
			pc.TargetPriceRef = *pendPriceRef
		}
		if pendExternalRef != nil {
			pc.ExternalRef = *pendExternalRef
		}
		if pendPaymentRef != nil {
			pc.PaymentRef = *pendPaymentRef
		}
		if pendRequestedAt != nil {
			pc.RequestedAt = *pendRequestedAt
		}
		acct.Subscription.PendingChange = pc
	}

	return &acct, nil
}

// nullIfEmpty maps "" to SQL NULL for optional text columns.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
