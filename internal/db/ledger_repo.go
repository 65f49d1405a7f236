package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"drawclub/internal/types"
)

// LedgerRepo is the idempotency ledger: one row per logical payment that
// granted benefits, keyed by a globally unique payment_key.
//
// Key invariants:
//   - RecordIfAbsent is a single conditional insert against the unique
//     payment_key index. Two concurrent callers with the same key observe
//     exactly one created=true result; the loser sees created=false, never an
//     error. There is no check-then-insert window.
//   - Rows are never updated or deleted after creation, except for setting
//     applied_at once the account mutation lands.
type LedgerRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewLedgerRepo creates a LedgerRepo backed by the given database connection
// (pool or transaction).
func NewLedgerRepo(db DBTX, logger *slog.Logger) *LedgerRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerRepo{db: db, logger: logger}
}

// RecordIfAbsent inserts the ledger entry unless a row with the same
// payment_key already exists. Returns created=false when another caller
// already recorded this logical payment; a duplicate key is the expected
// signal that the race was lost, not an error.
func (r *LedgerRepo) RecordIfAbsent(ctx context.Context, entry *types.LedgerEntry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO payment_ledger
		   (id, payment_key, account_id, package_id, package_type, package_name,
		    entries_granted, points_granted, price_cents, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (payment_key) DO NOTHING`,
		entry.ID,
		entry.PaymentKey,
		entry.AccountID,
		entry.Package.PackageID,
		entry.Package.Type,
		entry.Package.Name,
		entry.Package.Entries,
		entry.Package.Points,
		entry.Package.PriceCents,
		entry.Source,
		entry.CreatedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record ledger entry", err)
	}

	return tag.RowsAffected() == 1, nil
}

// HasProcessed reports whether a ledger entry exists for the payment key.
// Advisory only: callers must still rely on RecordIfAbsent for correctness.
func (r *LedgerRepo) HasProcessed(ctx context.Context, paymentKey string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payment_ledger WHERE payment_key = $1)`,
		paymentKey,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check ledger entry", err)
	}
	return exists, nil
}

// MarkApplied records that the account mutation for this payment has been
// applied. Returns claimed=true only for the caller that flipped the row from
// unapplied to applied; the reconciler relies on this as a claim so two
// workers never re-apply the same entry.
func (r *LedgerRepo) MarkApplied(ctx context.Context, paymentKey string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE payment_ledger
		 SET applied_at = NOW()
		 WHERE payment_key = $1
		   AND applied_at IS NULL`,
		paymentKey,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark ledger entry applied", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnapplied returns entries whose account mutation never landed: rows
// created before the cutoff with applied_at still NULL. The reconciler
// re-applies these using the snapshot as the source of truth.
func (r *LedgerRepo) ListUnapplied(ctx context.Context, olderThan time.Time, limit int) ([]*types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, payment_key, account_id, package_id, package_type, package_name,
		        entries_granted, points_granted, price_cents, source, created_at, applied_at
		 FROM payment_ledger
		 WHERE applied_at IS NULL
		   AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list unapplied ledger entries", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// ListByAccount returns the most recent ledger entries for one account,
// newest first. Consumed by the admin report endpoints.
func (r *LedgerRepo) ListByAccount(ctx context.Context, accountID string, limit int) ([]*types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, payment_key, account_id, package_id, package_type, package_name,
		        entries_granted, points_granted, price_cents, source, created_at, applied_at
		 FROM payment_ledger
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list ledger entries", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// ListPage returns ledger entries ordered by creation time then id, starting
// after the given cursor id. Used by the admin export to stream the full
// ledger in stable chunks.
func (r *LedgerRepo) ListPage(ctx context.Context, afterID string, limit int) ([]*types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, payment_key, account_id, package_id, package_type, package_name,
		        entries_granted, points_granted, price_cents, source, created_at, applied_at
		 FROM payment_ledger
		 WHERE ($1 = '' OR id > $1)
		 ORDER BY id
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to page ledger entries", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// scanLedgerEntries drains a row set into LedgerEntry values.
func scanLedgerEntries(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*types.LedgerEntry, error) {
	var entries []*types.LedgerEntry
	for rows.Next() {
		e := &types.LedgerEntry{}
		err := rows.Scan(
			&e.ID,
			&e.PaymentKey,
			&e.AccountID,
			&e.Package.PackageID,
			&e.Package.Type,
			&e.Package.Name,
			&e.Package.Entries,
			&e.Package.Points,
			&e.Package.PriceCents,
			&e.Source,
			&e.CreatedAt,
			&e.AppliedAt,
		)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "ledger row iteration failed", err)
	}
	return entries, nil
}
