package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"drawclub/internal/types"
)

// CatalogRepo reads package definitions and promotions. Reference data only:
// the core never writes to these tables.
type CatalogRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewCatalogRepo creates a CatalogRepo backed by the given database connection.
func NewCatalogRepo(db DBTX, logger *slog.Logger) *CatalogRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogRepo{db: db, logger: logger}
}

const packageColumns = `id, type, name, price_cents, price_ref, entries, points, discount_percent, active`

// GetPackage returns the package definition with the given id.
func (r *CatalogRepo) GetPackage(ctx context.Context, packageID string) (*types.PackageDefinition, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = $1`,
		packageID,
	)
	return scanPackage(row)
}

// GetPackageByPriceRef resolves which package a gateway price id bills for.
// Used by the state machine to interpret subscription events that only carry
// the price reference.
func (r *CatalogRepo) GetPackageByPriceRef(ctx context.Context, priceRef string) (*types.PackageDefinition, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE price_ref = $1`,
		priceRef,
	)
	return scanPackage(row)
}

// GetActivePromotion returns the promotion live for the category at the given
// instant, or nil when none applies. When several overlap, the highest
// multiplier wins.
func (r *CatalogRepo) GetActivePromotion(ctx context.Context, category types.PackageType, at time.Time) (*types.Promotion, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, category, multiplier, starts_at, ends_at, active
		 FROM promotions
		 WHERE category = $1
		   AND active
		   AND starts_at <= $2
		   AND ends_at > $2
		 ORDER BY multiplier DESC
		 LIMIT 1`,
		category, at,
	)

	var p types.Promotion
	err := row.Scan(&p.ID, &p.Category, &p.Multiplier, &p.StartsAt, &p.EndsAt, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load promotion", err)
	}
	return &p, nil
}

func scanPackage(row pgx.Row) (*types.PackageDefinition, error) {
	var pkg types.PackageDefinition
	err := row.Scan(
		&pkg.ID,
		&pkg.Type,
		&pkg.Name,
		&pkg.PriceCents,
		&pkg.PriceRef,
		&pkg.Entries,
		&pkg.Points,
		&pkg.DiscountPercent,
		&pkg.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPackage, "package not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load package", err)
	}
	return &pkg, nil
}
