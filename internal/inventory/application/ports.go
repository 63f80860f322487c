package application

import (
	"context"

	"github.com/nqtran/shopflow/internal/inventory/domain"
)

type VariantRepository interface {
	ByIDs(ctx context.Context, ids []string) (map[string]domain.Variant, error)
	Get(ctx context.Context, id string) (domain.Variant, error)
	AdjustStock(ctx context.Context, id string, delta int) (domain.Variant, error)
}
