package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nqtran/shopflow/internal/inventory/domain"
	"github.com/nqtran/shopflow/pkg/apperror"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) ByIDs(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, sku, price, discount_price, stock, updated_at FROM product_variants WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := make(map[string]domain.Variant, len(ids))
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Price, &v.DiscountPrice, &v.Stock, &v.UpdatedAt); err != nil {
			return nil, err
		}
		variants[v.ID] = v
	}
	return variants, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Variant, error) {
	var v domain.Variant
	err := r.pool.QueryRow(ctx, `SELECT id, product_id, sku, price, discount_price, stock, updated_at FROM product_variants WHERE id=$1`, id).
		Scan(&v.ID, &v.ProductID, &v.SKU, &v.Price, &v.DiscountPrice, &v.Stock, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Variant{}, apperror.Newf(apperror.KindNotFound, "variant %s not found", id)
	}
	return v, err
}

// AdjustStock applies a signed delta. The stock floor is enforced in the
// predicate so a concurrent decrement can never take the row negative.
func (r *Repository) AdjustStock(ctx context.Context, id string, delta int) (domain.Variant, error) {
	var v domain.Variant
	err := r.pool.QueryRow(ctx, `UPDATE product_variants SET stock = stock + $2, updated_at = now()
			WHERE id=$1 AND stock + $2 >= 0
			RETURNING id, product_id, sku, price, discount_price, stock, updated_at`, id, delta).
		Scan(&v.ID, &v.ProductID, &v.SKU, &v.Price, &v.DiscountPrice, &v.Stock, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return domain.Variant{}, gerr
		}
		return domain.Variant{}, apperror.Newf(apperror.KindConflict, "variant %s stock cannot go below zero", id)
	}
	return v, err
}
