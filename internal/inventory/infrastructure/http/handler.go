package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nqtran/shopflow/internal/inventory/domain"
	"github.com/nqtran/shopflow/pkg/apperror"
	"github.com/nqtran/shopflow/pkg/authn"
	"github.com/nqtran/shopflow/pkg/httpx"
)

type InventoryService interface {
	GetVariant(ctx context.Context, id string) (domain.Variant, error)
	AdjustStock(ctx context.Context, p authn.Principal, id string, delta int) (domain.Variant, error)
}

type Handler struct {
	log     *slog.Logger
	service InventoryService
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service InventoryService) *Handler {
	return &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("inventory-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/variants/{id}", h.getVariant)
	r.Put("/variants/{id}/stock", h.adjustStock)
	return r
}

func (h *Handler) getVariant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetVariant")
	defer span.End()

	v, err := h.service.GetVariant(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, v)
}

type adjustStockReq struct {
	Delta int `json:"delta"`
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AdjustStock")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	var req adjustStockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, apperror.Wrap(apperror.KindValidation, "invalid body", err))
		return
	}
	v, err := h.service.AdjustStock(ctx, p, chi.URLParam(r, "id"), req.Delta)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, v)
}
