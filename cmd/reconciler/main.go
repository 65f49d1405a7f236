// Package main is the entrypoint for the ledger reconciler.
//
// The reconciler is the recovery path for the grant pipeline's write
// ordering: a ledger row is inserted before the account mutation, so a crash
// or transaction failure between the two leaves the row with a NULL
// applied_at. This binary scans for such rows past the configured age
// threshold and re-applies their account mutations from the frozen package
// snapshot.
//
// Each re-application claims the row (applied_at flip, guarded on NULL) in
// the same transaction as the balance increment, so the reconciler and a
// late-arriving webhook delivery can never both apply the same entry. It is
// intended to run on a schedule (cron or EventBridge) and exits when the
// batch is drained.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"drawclub/internal/config"
	"drawclub/internal/db"
	"drawclub/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	pc, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	pc.MaxConns = int32(cfg.Pipeline.ReconcileWorkers + 1)
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return fmt.Errorf("connecting database pool: %w", err)
	}
	defer pool.Close()

	r := &reconciler{
		ledger: db.NewLedgerRepo(pool, logger),
		txm:    db.NewPoolTxRunner(pool),
		logger: logger,
	}

	olderThan := time.Now().UTC().Add(-cfg.Pipeline.ReconcileAfter)
	applied, err := r.reconcile(ctx, olderThan, cfg.Pipeline.ReconcileBatchSize, cfg.Pipeline.ReconcileWorkers)
	if err != nil {
		return err
	}

	logger.Info("reconciliation run complete", "applied", applied)
	return nil
}

// reconciler re-applies unapplied ledger entries.
type reconciler struct {
	ledger *db.LedgerRepo
	txm    db.TxRunner
	logger *slog.Logger
}

// reconcile claims and applies one batch of unapplied entries, fanning out
// across the given number of workers. It returns the number of entries this
// run actually applied; entries claimed concurrently by the live pipeline
// are skipped without error.
func (r *reconciler) reconcile(ctx context.Context, olderThan time.Time, batchSize, workers int) (int, error) {
	entries, err := r.ledger.ListUnapplied(ctx, olderThan, batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing unapplied ledger entries: %w", err)
	}
	if len(entries) == 0 {
		r.logger.Info("no unapplied ledger entries past threshold", "older_than", olderThan)
		return 0, nil
	}

	r.logger.Info("re-applying unapplied ledger entries",
		"count", len(entries),
		"older_than", olderThan,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	results := make([]bool, len(entries))
	for i, entry := range entries {
		g.Go(func() error {
			ok, err := r.apply(ctx, entry)
			if err != nil {
				return err
			}
			results[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	applied := 0
	for _, ok := range results {
		if ok {
			applied++
		}
	}
	return applied, nil
}

// apply re-runs the account mutation for one entry inside a transaction,
// claiming the row first. A lost claim means the live pipeline finished the
// grant after our scan; that is success, not an error.
func (r *reconciler) apply(ctx context.Context, entry *types.LedgerEntry) (bool, error) {
	claimed := false

	err := r.txm.WithTx(ctx, func(q db.DBTX) error {
		ok, err := db.NewLedgerRepo(q, r.logger).MarkApplied(ctx, entry.PaymentKey)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		benefits := types.Benefits{
			Entries: entry.Package.Entries,
			Points:  entry.Package.Points,
		}
		if err := db.NewAccountRepo(q, r.logger).IncrementBalances(ctx, entry.AccountID, benefits); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		r.logger.Error("failed to re-apply ledger entry",
			"payment_key", entry.PaymentKey,
			"account_id", entry.AccountID,
			"error", err,
		)
		return false, err
	}

	if claimed {
		r.logger.Info("ledger entry re-applied",
			"payment_key", entry.PaymentKey,
			"account_id", entry.AccountID,
			"entries", entry.Package.Entries,
			"points", entry.Package.Points,
		)
	} else {
		r.logger.Info("ledger entry already applied, skipping",
			"payment_key", entry.PaymentKey,
		)
	}
	return claimed, nil
}
