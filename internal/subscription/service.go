// Package subscription implements the subscription lifecycle state machine:
// the webhook-driven transitions (created, updated, deleted, schedule phases,
// payment failures) and the member-initiated change requests that create
// pending changes for the webhook path to confirm.
//
// Transitions are never last-writer-wins. Every mutation is a conditional
// update keyed on the external subscription reference the caller observed and
// on pending-change correlation, so out-of-order and duplicate deliveries
// resolve to no-ops instead of clobbering state.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"drawclub/internal/event"
	"drawclub/internal/telemetry"
	"drawclub/internal/types"
)

// defaultRecencyWindow guards subscription deletion against cancellation
// events for a just-replaced subscription arriving after the replacement.
const defaultRecencyWindow = 60 * time.Second

// AccountStore is the account access the state machine needs. Satisfied by
// *db.AccountRepo.
type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (*types.Account, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*types.Account, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*types.Account, error)

	SetBillingCustomerRef(ctx context.Context, accountID, customerRef string) error
	BeginSubscription(ctx context.Context, accountID string, sub types.Subscription) (bool, error)
	ActivateFromPending(ctx context.Context, accountID string, sub types.Subscription) (bool, error)
	SetAutoRenew(ctx context.Context, accountID, externalRef string, autoRenew bool) (bool, error)
	SetTerminalStatus(ctx context.Context, accountID, externalRef string, status types.SubscriptionStatus) (bool, error)
	CancelIfCurrent(ctx context.Context, accountID, externalRef string, recency time.Duration) (bool, error)
	ApplyDowngrade(ctx context.Context, accountID, externalRef, packageID, priceRef string) (bool, error)
	SetPendingChange(ctx context.Context, accountID string, pc *types.PendingChange) error
	ClearPendingChange(ctx context.Context, accountID, externalRef string) error
	MarkPastDue(ctx context.Context, accountID string) error
}

// Catalog resolves package reference data.
type Catalog interface {
	GetPackage(ctx context.Context, packageID string) (*types.PackageDefinition, error)
	GetPackageByPriceRef(ctx context.Context, priceRef string) (*types.PackageDefinition, error)
}

// Gateway is the outbound payment-gateway surface the state machine uses.
type Gateway interface {
	EnsureCustomer(ctx context.Context, accountID, email string) (string, error)
	GetSubscription(ctx context.Context, ref string) (*types.GatewaySubscription, error)
	CreateSubscription(ctx context.Context, customerRef, priceRef string, metadata map[string]string) (*types.GatewaySubscription, error)
	UpdateSubscriptionPrice(ctx context.Context, ref, priceRef string) (*types.GatewaySubscription, error)
	ScheduleDowngrade(ctx context.Context, ref, priceRef string) (time.Time, error)
	SetCancelAtPeriodEnd(ctx context.Context, ref string, cancel bool) error
}

// Notifier is the fire-and-forget notification emitter.
type Notifier interface {
	Emit(ctx context.Context, msg types.NotificationMessage)
}

// Service is the subscription state machine. It implements
// event.SubscriptionProcessor and backs the member-facing endpoints.
type Service struct {
	accounts AccountStore
	catalog  Catalog
	gateway  Gateway
	notifier Notifier
	metrics  telemetry.Recorder
	recency  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates the subscription Service. notifier and metrics may be
// nil; recency <= 0 selects the default 60-second window.
func NewService(
	accounts AccountStore,
	catalog Catalog,
	gateway Gateway,
	notifier Notifier,
	metrics telemetry.Recorder,
	recency time.Duration,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.Noop{}
	}
	if recency <= 0 {
		recency = defaultRecencyWindow
	}
	return &Service{
		accounts: accounts,
		catalog:  catalog,
		gateway:  gateway,
		notifier: notifier,
		metrics:  metrics,
		recency:  recency,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Compile-time assertion that Service satisfies event.SubscriptionProcessor.
var _ event.SubscriptionProcessor = (*Service)(nil)

// HandleSubscriptionCreated confirms a new gateway subscription. When a
// pending upgrade correlates with the created reference the upgrade is
// applied; otherwise only the auto-renew flag is synced, leaving package and
// status to the payment-success path.
func (s *Service) HandleSubscriptionCreated(ctx context.Context, ev event.SubscriptionCreated) error {
	acct, err := s.accounts.GetByCustomerRef(ctx, ev.CustomerRef)
	if err != nil {
		return s.skipIfUnknownAccount(ctx, err, ev.EventType(), "customer_ref", ev.CustomerRef)
	}

	pending := acct.Subscription.PendingChange
	if pending != nil && pending.Type == types.ChangeUpgrade && pending.ExternalRef == ev.SubscriptionRef {
		periodEnd := ev.PeriodEnd
		applied, err := s.accounts.ActivateFromPending(ctx, acct.ID, types.Subscription{
			PackageID:   pending.TargetPackageID,
			ExternalRef: ev.SubscriptionRef,
			PriceRef:    pending.TargetPriceRef,
			EndsAt:      &periodEnd,
			AutoRenew:   ev.AutoRenew,
		})
		if err != nil {
			return err
		}
		if applied {
			s.logger.InfoContext(ctx, "pending upgrade applied on subscription created",
				"account_id", acct.ID,
				"subscription_ref", ev.SubscriptionRef,
				"package_id", pending.TargetPackageID,
			)
			s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeApplied)
			return nil
		}
		// The pending change was superseded between read and write.
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeStale)
		return nil
	}

	synced, err := s.accounts.SetAutoRenew(ctx, acct.ID, ev.SubscriptionRef, ev.AutoRenew)
	if err != nil {
		return err
	}
	if !synced {
		s.logStale(ctx, ev.EventType(), acct.ID, ev.SubscriptionRef)
		return nil
	}
	s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeApplied)
	return nil
}

// HandleSubscriptionUpdated applies status and pending-change transitions.
//
// With a correlated pending change and an active status, upgrades apply
// immediately; downgrades apply only once the billing cycle has actually
// advanced to the target price, preserving the benefits the member already
// paid for. Without a pending change, only the auto-renew flag and terminal
// statuses are applied -- the payment-success path owns everything else, and
// an update event racing it must not clobber its writes.
func (s *Service) HandleSubscriptionUpdated(ctx context.Context, ev event.SubscriptionUpdated) error {
	acct, err := s.accounts.GetByExternalRef(ctx, ev.SubscriptionRef)
	if err != nil {
		return s.skipIfUnknownAccount(ctx, err, ev.EventType(), "subscription_ref", ev.SubscriptionRef)
	}

	pending := acct.Subscription.PendingChange
	if ev.Status == "active" && pending != nil && pending.ExternalRef == ev.SubscriptionRef {
		switch pending.Type {
		case types.ChangeUpgrade:
			return s.applyPendingUpgrade(ctx, acct, pending, ev)
		case types.ChangeDowngrade:
			return s.applyDowngradeIfAdvanced(ctx, acct, pending, ev.PriceRef, ev.EventType())
		}
	}

	// No correlated pending change: sync the auto-renew flag and terminal
	// statuses, nothing more.
	switch types.SubscriptionStatus(ev.Status) {
	case types.SubStatusCanceled, types.SubStatusPastDue:
		applied, err := s.accounts.SetTerminalStatus(ctx, acct.ID, ev.SubscriptionRef, types.SubscriptionStatus(ev.Status))
		if err != nil {
			return err
		}
		if !applied {
			s.logStale(ctx, ev.EventType(), acct.ID, ev.SubscriptionRef)
			return nil
		}
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeApplied)
		return nil
	}

	synced, err := s.accounts.SetAutoRenew(ctx, acct.ID, ev.SubscriptionRef, ev.AutoRenew)
	if err != nil {
		return err
	}
	if !synced {
		s.logStale(ctx, ev.EventType(), acct.ID, ev.SubscriptionRef)
		return nil
	}
	s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeApplied)
	return nil
}

func (s *Service) applyPendingUpgrade(ctx context.Context, acct *types.Account, pending *types.PendingChange, ev event.SubscriptionUpdated) error {
	periodEnd := ev.PeriodEnd
	applied, err := s.accounts.ActivateFromPending(ctx, acct.ID, types.Subscription{
		PackageID:   pending.TargetPackageID,
		ExternalRef: ev.SubscriptionRef,
		PriceRef:    pending.TargetPriceRef,
		EndsAt:      &periodEnd,
		AutoRenew:   ev.AutoRenew,
	})
	if err != nil {
		return err
	}
	if !applied {
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeStale)
		return nil
	}
	s.logger.InfoContext(ctx, "pending upgrade applied on subscription updated",
		"account_id", acct.ID,
		"subscription_ref", ev.SubscriptionRef,
		"package_id", pending.TargetPackageID,
	)
	s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeApplied)
	return nil
}

// applyDowngradeIfAdvanced applies a pending downgrade only once the billing
// cycle has advanced to the target price. The gateway-provided effective date
// is authoritative when present; comparing the billed price against the
// target is best-effort fallback. When the current and target packages share
// a price the comparison cannot distinguish them, so the case is flagged for
// manual reconciliation instead of being applied or deferred silently.
func (s *Service) applyDowngradeIfAdvanced(ctx context.Context, acct *types.Account, pending *types.PendingChange, billedPriceRef, eventType string) error {
	advanced := false

	switch {
	case pending.EffectiveAt != nil:
		advanced = !s.now().Before(*pending.EffectiveAt)
	case billedPriceRef == pending.TargetPriceRef:
		if acct.Subscription.PriceRef == pending.TargetPriceRef {
			s.logger.WarnContext(ctx, "downgrade detection ambiguous: current and target share a price; manual reconciliation required",
				"account_id", acct.ID,
				"price_ref", billedPriceRef,
				"target_package_id", pending.TargetPackageID,
			)
			s.metrics.RecordEvent(ctx, eventType, types.OutcomeDeferred)
			return nil
		}
		advanced = true
	}

	if !advanced {
		s.logger.InfoContext(ctx, "downgrade deferred until billing cycle advances",
			"account_id", acct.ID,
			"target_package_id", pending.TargetPackageID,
		)
		s.metrics.RecordEvent(ctx, eventType, types.OutcomeDeferred)
		return nil
	}

	applied, err := s.accounts.ApplyDowngrade(ctx, acct.ID, pending.ExternalRef, pending.TargetPackageID, pending.TargetPriceRef)
	if err != nil {
		return err
	}
	if !applied {
		s.metrics.RecordEvent(ctx, eventType, types.OutcomeStale)
		return nil
	}
	s.logger.InfoContext(ctx, "pending downgrade applied",
		"account_id", acct.ID,
		"package_id", pending.TargetPackageID,
	)
	s.metrics.RecordEvent(ctx, eventType, types.OutcomeApplied)
	return nil
}

// HandleSubscriptionDeleted cancels the subscription only when the deleted
// reference is still current, nothing is pending, and no upgrade landed
// within the recency window. A deletion for a superseded reference is a
// logged no-op.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, ev event.SubscriptionDeleted) error {
	acct, err := s.accounts.GetByExternalRef(ctx, ev.SubscriptionRef)
	if err != nil {
		return s.skipIfUnknownAccount(ctx, err, ev.EventType(), "subscription_ref", ev.SubscriptionRef)
	}

	canceled, err := s.accounts.CancelIfCurrent(ctx, acct.ID, ev.SubscriptionRef, s.recency)
	if err != nil {
		return err
	}
	if !canceled {
		s.logger.InfoContext(ctx, "deletion ignored for superseded or recently-upgraded subscription",
			"account_id", acct.ID,
			"subscription_ref", ev.SubscriptionRef,
		)
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeStale)
		return nil
	}

	s.logger.InfoContext(ctx, "subscription canceled",
		"account_id", acct.ID,
		"subscription_ref", ev.SubscriptionRef,
	)
	s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeApplied)
	s.emit(ctx, acct, types.NotifySubscriptionCanceled, "")
	return nil
}

// HandleSchedulePhase drives scheduled-downgrade activation from the
// subscription_schedule event family.
func (s *Service) HandleSchedulePhase(ctx context.Context, ev event.SchedulePhase) error {
	if ev.SubscriptionRef == "" {
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
		return nil
	}

	acct, err := s.accounts.GetByExternalRef(ctx, ev.SubscriptionRef)
	if err != nil {
		return s.skipIfUnknownAccount(ctx, err, ev.EventType(), "subscription_ref", ev.SubscriptionRef)
	}

	pending := acct.Subscription.PendingChange
	if pending == nil || pending.Type != types.ChangeDowngrade || pending.ExternalRef != ev.SubscriptionRef {
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
		return nil
	}

	if ev.Kind == "released" {
		// The schedule was abandoned before taking effect.
		if err := s.accounts.ClearPendingChange(ctx, acct.ID, ev.SubscriptionRef); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "pending downgrade cleared: schedule released",
			"account_id", acct.ID,
			"schedule_ref", ev.ScheduleRef,
		)
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeApplied)
		return nil
	}

	if ev.Kind != "completed" && ev.CurrentPriceRef != pending.TargetPriceRef {
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeDeferred)
		return nil
	}

	applied, err := s.accounts.ApplyDowngrade(ctx, acct.ID, ev.SubscriptionRef, pending.TargetPackageID, pending.TargetPriceRef)
	if err != nil {
		return err
	}
	if !applied {
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeStale)
		return nil
	}
	s.logger.InfoContext(ctx, "scheduled downgrade activated",
		"account_id", acct.ID,
		"schedule_ref", ev.ScheduleRef,
		"package_id", pending.TargetPackageID,
	)
	s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeApplied)
	return nil
}

// HandleChargeFailed marks the account past due and emits the failure
// notification. Independent of pending-change logic.
func (s *Service) HandleChargeFailed(ctx context.Context, ev event.ChargeFailed) error {
	acct, err := s.accounts.GetByCustomerRef(ctx, ev.CustomerRef)
	if err != nil {
		return s.skipIfUnknownAccount(ctx, err, ev.EventType(), "customer_ref", ev.CustomerRef)
	}
	return s.markPastDue(ctx, acct, ev.EventType(), "charge_"+ev.ChargeID)
}

// HandleInvoiceFailed marks the account past due and emits the failure
// notification.
func (s *Service) HandleInvoiceFailed(ctx context.Context, ev event.InvoicePaymentFailed) error {
	acct, err := s.accounts.GetByExternalRef(ctx, ev.SubscriptionRef)
	if err != nil {
		if ev.CustomerRef != "" {
			if byCustomer, cerr := s.accounts.GetByCustomerRef(ctx, ev.CustomerRef); cerr == nil {
				return s.markPastDue(ctx, byCustomer, ev.EventType(), "invoice_"+ev.InvoiceID)
			}
		}
		return s.skipIfUnknownAccount(ctx, err, ev.EventType(), "subscription_ref", ev.SubscriptionRef)
	}
	return s.markPastDue(ctx, acct, ev.EventType(), "invoice_"+ev.InvoiceID)
}

func (s *Service) markPastDue(ctx context.Context, acct *types.Account, eventType, paymentKey string) error {
	if err := s.accounts.MarkPastDue(ctx, acct.ID); err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "account marked past due",
		"account_id", acct.ID,
		"payment_key", paymentKey,
	)
	s.metrics.RecordEvent(ctx, eventType, types.OutcomeApplied)
	s.emit(ctx, acct, types.NotifyPaymentFailed, paymentKey)
	return nil
}

func (s *Service) emit(ctx context.Context, acct *types.Account, kind types.NotificationKind, paymentKey string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Emit(ctx, types.NotificationMessage{
		TraceID:    types.GetRequestID(ctx),
		Kind:       kind,
		AccountID:  acct.ID,
		Email:      acct.Email,
		PackageID:  acct.Subscription.PackageID,
		PaymentKey: paymentKey,
		OccurredAt: s.now(),
	})
}

// skipIfUnknownAccount converts a not-found lookup into a logged no-op so the
// gateway stops redelivering events the platform can never correlate; any
// other error stays retryable.
func (s *Service) skipIfUnknownAccount(ctx context.Context, err error, eventType, refField, ref string) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus() == 404 {
		s.logger.WarnContext(ctx, "event does not correlate to any account",
			"event_type", eventType,
			refField, ref,
		)
		s.metrics.RecordEvent(ctx, eventType, types.OutcomeStale)
		return nil
	}
	return err
}

func (s *Service) logStale(ctx context.Context, eventType, accountID, ref string) {
	s.logger.InfoContext(ctx, "event reference does not match current subscription, ignored",
		"event_type", eventType,
		"account_id", accountID,
		"subscription_ref", ref,
	)
	s.metrics.RecordEvent(ctx, eventType, types.OutcomeStale)
}
