package application

import (
	"context"
	"log/slog"

	"github.com/nqtran/shopflow/internal/inventory/domain"
	"github.com/nqtran/shopflow/pkg/apperror"
	"github.com/nqtran/shopflow/pkg/authn"
)

type Service struct {
	log      *slog.Logger
	variants VariantRepository
}

func NewService(log *slog.Logger, variants VariantRepository) *Service {
	return &Service{log: log, variants: variants}
}

func (s *Service) GetVariant(ctx context.Context, id string) (domain.Variant, error) {
	if id == "" {
		return domain.Variant{}, apperror.New(apperror.KindValidation, "variant id is required")
	}
	return s.variants.Get(ctx, id)
}

// AdjustStock is the admin restocking operation. Negative deltas are allowed
// for corrections but the floor stays at zero.
func (s *Service) AdjustStock(ctx context.Context, p authn.Principal, id string, delta int) (domain.Variant, error) {
	if !p.Admin {
		return domain.Variant{}, apperror.New(apperror.KindPermission, "admin access required")
	}
	if id == "" || delta == 0 {
		return domain.Variant{}, apperror.New(apperror.KindValidation, "variant id and a non-zero delta are required")
	}
	v, err := s.variants.AdjustStock(ctx, id, delta)
	if err != nil {
		return domain.Variant{}, err
	}
	s.log.Info("stock adjusted", "variant_id", id, "delta", delta, "stock", v.Stock)
	return v, nil
}
