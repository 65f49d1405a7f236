package benefits

import (
	"context"
	"fmt"
	"log/slog"

	"drawclub/internal/db"
	"drawclub/internal/types"
)

// Ledger is the subset of LedgerRepo the grant engine needs on the pool.
type Ledger interface {
	RecordIfAbsent(ctx context.Context, entry *types.LedgerEntry) (bool, error)
}

// GrantEngine applies benefits exactly once per logical payment.
//
// Ordering is deliberate: the ledger row is written first, the account
// mutation second. A ledger row with no matching mutation is detectable
// (applied_at stays NULL) and replayable by the reconciler; a mutation with
// no ledger row would be silently re-applied on the gateway's next retry.
type GrantEngine struct {
	ledger Ledger
	txm    db.TxRunner
	logger *slog.Logger
}

// NewGrantEngine creates a GrantEngine.
func NewGrantEngine(ledger Ledger, txm db.TxRunner, logger *slog.Logger) *GrantEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrantEngine{ledger: ledger, txm: txm, logger: logger}
}

// Grant attempts the idempotent grant for the given ledger entry.
//
//  1. RecordIfAbsent on the ledger. If the row already existed another
//     delivery won the race; return granted=false with no side effects.
//  2. In one transaction: run apply (the account mutation for this payment)
//     and flip the row's applied_at claim. The mutation and the claim commit
//     or roll back together, so "mutation landed but row looks unapplied" can
//     never be observed.
//
// If the transaction fails after the ledger write succeeded, the row stays
// unapplied and the reconciler re-applies the mutation from the snapshot
// under the same payment key.
func (e *GrantEngine) Grant(
	ctx context.Context,
	entry *types.LedgerEntry,
	apply func(ctx context.Context, q db.DBTX) error,
) (bool, error) {
	created, err := e.ledger.RecordIfAbsent(ctx, entry)
	if err != nil {
		return false, err
	}
	if !created {
		e.logger.InfoContext(ctx, "payment already processed, skipping grant",
			"payment_key", entry.PaymentKey,
			"account_id", entry.AccountID,
		)
		return false, nil
	}

	err = e.txm.WithTx(ctx, func(q db.DBTX) error {
		if err := apply(ctx, q); err != nil {
			return err
		}
		claimed, err := db.NewLedgerRepo(q, e.logger).MarkApplied(ctx, entry.PaymentKey)
		if err != nil {
			return err
		}
		if !claimed {
			// The reconciler claimed the row between our insert and this
			// transaction. Roll back so the mutation is not applied twice.
			return types.NewAppError(
				types.ErrCodeInternalLedgerOrphan,
				fmt.Sprintf("ledger entry %s was claimed concurrently", entry.PaymentKey),
				nil,
			)
		}
		return nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "account mutation failed after ledger write; left for reconciliation",
			"payment_key", entry.PaymentKey,
			"account_id", entry.AccountID,
			"error", err,
		)
		return false, types.NewAppError(
			types.ErrCodeInternalLedgerOrphan,
			fmt.Sprintf("ledger entry %s recorded but mutation not applied", entry.PaymentKey),
			err,
		)
	}

	return true, nil
}
