package benefits

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"drawclub/internal/db"
	"drawclub/internal/event"
	"drawclub/internal/telemetry"
	"drawclub/internal/types"
)

// AccountLookup is the read-side subset of AccountRepo the service needs.
type AccountLookup interface {
	GetByCustomerRef(ctx context.Context, customerRef string) (*types.Account, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*types.Account, error)
}

// Catalog resolves package reference data.
type Catalog interface {
	GetPackage(ctx context.Context, packageID string) (*types.PackageDefinition, error)
	GetPackageByPriceRef(ctx context.Context, priceRef string) (*types.PackageDefinition, error)
}

// Gateway re-fetches authoritative subscription state when the event payload
// does not identify the package.
type Gateway interface {
	GetSubscription(ctx context.Context, ref string) (*types.GatewaySubscription, error)
}

// Notifier is the fire-and-forget notification emitter.
type Notifier interface {
	Emit(ctx context.Context, msg types.NotificationMessage)
}

// Service processes the benefit-granting webhook events. It implements
// event.PaymentProcessor.
type Service struct {
	accounts AccountLookup
	catalog  Catalog
	gateway  Gateway
	calc     *Calculator
	engine   *GrantEngine
	notifier Notifier
	metrics  telemetry.Recorder
	logger   *slog.Logger
}

// NewService creates the benefits Service. notifier and metrics may be nil.
func NewService(
	accounts AccountLookup,
	catalog Catalog,
	gateway Gateway,
	calc *Calculator,
	engine *GrantEngine,
	notifier Notifier,
	metrics telemetry.Recorder,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.Noop{}
	}
	return &Service{
		accounts: accounts,
		catalog:  catalog,
		gateway:  gateway,
		calc:     calc,
		engine:   engine,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// Compile-time assertion that Service satisfies event.PaymentProcessor.
var _ event.PaymentProcessor = (*Service)(nil)

// HandleChargeSucceeded grants benefits for explicitly-tagged one-time and
// mini-draw purchases. Subscription charges carry an invoice reference and
// are skipped: the invoice-level event is authoritative for them, so the two
// event categories can never both grant for the same underlying payment.
func (s *Service) HandleChargeSucceeded(ctx context.Context, ev event.ChargeSucceeded) error {
	if ev.InvoiceID != "" {
		s.logger.InfoContext(ctx, "skipping subscription charge; invoice event is authoritative",
			"event_id", ev.EventID(),
			"charge_id", ev.ChargeID,
			"invoice_id", ev.InvoiceID,
		)
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
		return nil
	}
	if ev.PackageID == "" {
		s.logger.InfoContext(ctx, "charge has no package tag, nothing to grant",
			"event_id", ev.EventID(),
			"charge_id", ev.ChargeID,
		)
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
		return nil
	}

	pkg, err := s.catalog.GetPackage(ctx, ev.PackageID)
	if err != nil {
		if isNotFound(err) {
			s.logger.WarnContext(ctx, "charge references unknown package",
				"charge_id", ev.ChargeID,
				"package_id", ev.PackageID,
			)
			s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
			return nil
		}
		return err
	}

	acct, err := s.accounts.GetByCustomerRef(ctx, ev.CustomerRef)
	if err != nil {
		if isNotFound(err) {
			s.logger.WarnContext(ctx, "charge for unknown billing customer",
				"charge_id", ev.ChargeID,
				"customer_ref", ev.CustomerRef,
			)
			s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
			return nil
		}
		return err
	}

	b, err := s.calc.ForOneTime(ctx, pkg)
	if err != nil {
		return err
	}
	if b.IsZero() {
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
		return nil
	}

	return s.grant(ctx, ev.EventType(), ev.PaymentKey(), acct, pkg, b, func(ctx context.Context, q db.DBTX) error {
		return db.NewAccountRepo(q, s.logger).IncrementBalances(ctx, acct.ID, b)
	})
}

// HandleInvoicePaid is the canonical subscription benefit-granting path.
// The package is resolved from the subscription's metadata when present, and
// otherwise by re-fetching the authoritative subscription from the gateway; a
// failed lookup is surfaced as retryable so the gateway redelivers.
func (s *Service) HandleInvoicePaid(ctx context.Context, ev event.InvoicePaid) error {
	if ev.SubscriptionRef == "" {
		s.logger.InfoContext(ctx, "invoice is not subscription-backed, nothing to grant",
			"event_id", ev.EventID(),
			"invoice_id", ev.InvoiceID,
		)
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
		return nil
	}

	reason := types.ParseBillingReason(ev.BillingReason)
	if reason == types.BillingReasonUnknown {
		// Administrative or manual invoices must never credit entries.
		s.logger.InfoContext(ctx, "unrecognized billing reason, no benefits granted",
			"invoice_id", ev.InvoiceID,
			"billing_reason", ev.BillingReason,
		)
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
		return nil
	}

	acct, err := s.resolveAccount(ctx, ev)
	if err != nil {
		if isNotFound(err) {
			s.logger.WarnContext(ctx, "invoice for unknown account",
				"invoice_id", ev.InvoiceID,
				"subscription_ref", ev.SubscriptionRef,
				"customer_ref", ev.CustomerRef,
			)
			s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
			return nil
		}
		return err
	}

	pkg, err := s.resolvePackage(ctx, ev)
	if err != nil {
		return err
	}

	b := s.calc.ForSubscription(pkg, reason)
	if b.IsZero() {
		s.metrics.RecordEvent(ctx, ev.EventType(), types.OutcomeSkipped)
		return nil
	}

	pending := acct.Subscription.PendingChange
	confirmsUpgrade := pending != nil &&
		pending.Type == types.ChangeUpgrade &&
		pending.ExternalRef == ev.SubscriptionRef

	return s.grant(ctx, ev.EventType(), ev.PaymentKey(), acct, pkg, b, func(ctx context.Context, q db.DBTX) error {
		repo := db.NewAccountRepo(q, s.logger)
		if err := repo.IncrementBalances(ctx, acct.ID, b); err != nil {
			return err
		}

		// Best-effort subscription state sync; the lifecycle events carry the
		// authoritative transitions, so a rejected guard here is not an error.
		if confirmsUpgrade {
			applied, err := repo.ActivateFromPending(ctx, acct.ID, types.Subscription{
				PackageID:   pending.TargetPackageID,
				ExternalRef: ev.SubscriptionRef,
				PriceRef:    pending.TargetPriceRef,
				AutoRenew:   true,
			})
			if err != nil {
				return err
			}
			if !applied {
				s.logger.InfoContext(ctx, "pending upgrade no longer matches, activation skipped",
					"account_id", acct.ID,
					"subscription_ref", ev.SubscriptionRef,
				)
			}
			return nil
		}

		if _, err := repo.ActivateIfRef(ctx, acct.ID, ev.SubscriptionRef, nil); err != nil {
			return err
		}
		return nil
	})
}

// grant runs the idempotent grant and emits the follow-up notification and
// metrics. Duplicate deliveries return nil after the ledger race is lost.
func (s *Service) grant(
	ctx context.Context,
	eventType string,
	paymentKey string,
	acct *types.Account,
	pkg *types.PackageDefinition,
	b types.Benefits,
	apply func(ctx context.Context, q db.DBTX) error,
) error {
	start := time.Now()

	entry := &types.LedgerEntry{
		PaymentKey: paymentKey,
		AccountID:  acct.ID,
		Package: types.PackageSnapshot{
			PackageID:  pkg.ID,
			Type:       pkg.Type,
			Name:       pkg.Name,
			Entries:    b.Entries,
			Points:     b.Points,
			PriceCents: pkg.PriceCents,
		},
		Source: types.GrantSourceWebhook,
	}

	granted, err := s.engine.Grant(ctx, entry, apply)
	if err != nil {
		s.metrics.RecordEvent(ctx, eventType, types.OutcomeFailed)
		return err
	}
	if !granted {
		s.metrics.RecordEvent(ctx, eventType, types.OutcomeDuplicate)
		return nil
	}

	s.logger.InfoContext(ctx, "benefits granted",
		"payment_key", paymentKey,
		"account_id", acct.ID,
		"package_id", pkg.ID,
		"entries", b.Entries,
		"points", b.Points,
	)
	s.metrics.RecordEvent(ctx, eventType, types.OutcomeGranted)
	s.metrics.RecordGrant(ctx, pkg.Type, time.Since(start))

	if s.notifier != nil {
		s.notifier.Emit(ctx, types.NotificationMessage{
			TraceID:    types.GetRequestID(ctx),
			Kind:       types.NotifyBenefitsGranted,
			AccountID:  acct.ID,
			Email:      acct.Email,
			PackageID:  pkg.ID,
			PaymentKey: paymentKey,
			Entries:    b.Entries,
			Points:     b.Points,
			OccurredAt: time.Now().UTC(),
		})
	}

	return nil
}

// resolveAccount correlates the invoice to an account: the subscription
// reference is preferred, the billing customer is the fallback.
func (s *Service) resolveAccount(ctx context.Context, ev event.InvoicePaid) (*types.Account, error) {
	acct, err := s.accounts.GetByExternalRef(ctx, ev.SubscriptionRef)
	if err == nil {
		return acct, nil
	}
	if !isNotFound(err) || ev.CustomerRef == "" {
		return nil, err
	}
	return s.accounts.GetByCustomerRef(ctx, ev.CustomerRef)
}

// resolvePackage determines which package the invoice paid for.
func (s *Service) resolvePackage(ctx context.Context, ev event.InvoicePaid) (*types.PackageDefinition, error) {
	if ev.PackageID != "" {
		return s.catalog.GetPackage(ctx, ev.PackageID)
	}

	// No metadata: re-fetch the authoritative subscription and map its price.
	sub, err := s.gateway.GetSubscription(ctx, ev.SubscriptionRef)
	if err != nil {
		return nil, err
	}
	return s.catalog.GetPackageByPriceRef(ctx, sub.PriceRef)
}

// isNotFound reports whether err is a not_found_* AppError.
func isNotFound(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus() == 404
	}
	return false
}
