package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nqtran/shopflow/internal/order/application"
	"github.com/nqtran/shopflow/internal/order/domain"
	"github.com/nqtran/shopflow/pkg/apperror"
	"github.com/nqtran/shopflow/pkg/authn"
	"github.com/nqtran/shopflow/pkg/httpx"
)

// OrderService is the application surface the handler needs.
type OrderService interface {
	GetOrCreateCart(ctx context.Context, p authn.Principal) (domain.Cart, error)
	AddCartItem(ctx context.Context, p authn.Principal, variantID string, quantity int) (domain.CartItem, error)
	CreateFromCart(ctx context.Context, p authn.Principal, cmd application.CreateOrderCommand) (domain.Order, error)
	Confirm(ctx context.Context, p authn.Principal, orderID string, cmd application.ConfirmCommand) (domain.Shipping, error)
	Cancel(ctx context.Context, p authn.Principal, orderID string) error
	UpdateByID(ctx context.Context, p authn.Principal, orderID string, upd application.AdminUpdate) (domain.Order, error)
	DeleteByID(ctx context.Context, p authn.Principal, orderID string) error
	List(ctx context.Context, p authn.Principal, f application.ListFilter) ([]domain.Order, int, error)
	UpdateShipping(ctx context.Context, p authn.Principal, orderID string, cmd application.ShippingUpdateCommand) (domain.Shipping, error)
}

type Handler struct {
	log     *slog.Logger
	service OrderService
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service OrderService) *Handler {
	return &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/cart", h.getCart)
	r.Post("/cart/items", h.addCartItem)
	r.Post("/orders", h.createOrder)
	r.Post("/orders/confirm/{id}", h.confirmOrder)
	r.Put("/orders/cancel/{id}", h.cancelOrder)
	r.Put("/orders/shipping/{id}", h.updateShipping)
	r.Put("/orders/{id}", h.updateOrder)
	r.Delete("/orders/{id}", h.deleteOrder)
	r.Get("/orders", h.listOrders)
	return r
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetCart")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	cart, err := h.service.GetOrCreateCart(ctx, p)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cart)
}

type addCartItemReq struct {
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AddCartItem")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	var req addCartItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, apperror.Wrap(apperror.KindValidation, "invalid body", err))
		return
	}
	item, err := h.service.AddCartItem(ctx, p, req.VariantID, req.Quantity)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, item)
}

type createOrderReq struct {
	CartID        string   `json:"cartId"`
	ItemIDs       []string `json:"itemIds"`
	WarehouseID   *string  `json:"warehouseId"`
	RecipientName string   `json:"recipientName"`
	Email         string   `json:"email"`
	Phone         string   `json:"phone"`
	Address       string   `json:"address"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, apperror.Wrap(apperror.KindValidation, "invalid body", err))
		return
	}
	o, err := h.service.CreateFromCart(ctx, p, application.CreateOrderCommand{
		CartID:        req.CartID,
		ItemIDs:       req.ItemIDs,
		WarehouseID:   req.WarehouseID,
		RecipientName: req.RecipientName,
		Email:         req.Email,
		Phone:         req.Phone,
		Address:       req.Address,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, o)
}

type confirmOrderReq struct {
	RecipientName string `json:"recipientName"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Address       string `json:"address"`
}

func (h *Handler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmOrder")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	var req confirmOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, apperror.Wrap(apperror.KindValidation, "invalid body", err))
		return
	}
	sh, err := h.service.Confirm(ctx, p, chi.URLParam(r, "id"), application.ConfirmCommand{
		RecipientName: req.RecipientName,
		Email:         req.Email,
		Phone:         req.Phone,
		Address:       req.Address,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sh)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.service.Cancel(ctx, p, id); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"orderId": id, "status": string(domain.StatusCancelled)})
}

type updateOrderReq struct {
	Status      *string `json:"status"`
	WarehouseID *string `json:"warehouseId"`
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateOrder")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	var req updateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, apperror.Wrap(apperror.KindValidation, "invalid body", err))
		return
	}
	upd := application.AdminUpdate{WarehouseID: req.WarehouseID}
	if req.Status != nil {
		st := domain.Status(*req.Status)
		upd.Status = &st
	}
	o, err := h.service.UpdateByID(ctx, p, chi.URLParam(r, "id"), upd)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *Handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "DeleteOrder")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.service.DeleteByID(ctx, p, id); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"orderId": id})
}

type listOrdersResp struct {
	Orders []domain.Order `json:"orders"`
	Total  int            `json:"total"`
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListOrders")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	f, err := parseListFilter(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	orders, total, err := h.service.List(ctx, p, f)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	httpx.WriteJSON(w, http.StatusOK, listOrdersResp{Orders: orders, Total: total})
}

func parseListFilter(r *http.Request) (application.ListFilter, error) {
	q := r.URL.Query()
	f := application.ListFilter{
		ID:         q.Get("id"),
		CustomerID: q.Get("customerId"),
		Status:     domain.Status(q.Get("status")),
	}
	var err error
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return f, apperror.New(apperror.KindValidation, "offset must be an integer")
	}
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		return f, apperror.New(apperror.KindValidation, "limit must be an integer")
	}
	if v := q.Get("createdFrom"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apperror.New(apperror.KindValidation, "createdFrom must be RFC3339")
		}
		f.CreatedFrom = &t
	}
	if v := q.Get("createdTo"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apperror.New(apperror.KindValidation, "createdTo must be RFC3339")
		}
		f.CreatedTo = &t
	}
	if v := q.Get("amountMin"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, apperror.New(apperror.KindValidation, "amountMin must be an integer")
		}
		f.AmountMin = &n
	}
	if v := q.Get("amountMax"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, apperror.New(apperror.KindValidation, "amountMax must be an integer")
		}
		f.AmountMax = &n
	}
	return f, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

type updateShippingReq struct {
	Provider      string `json:"provider"`
	TrackingCode  string `json:"trackingCode"`
	MarkShipped   bool   `json:"markShipped"`
	MarkDelivered bool   `json:"markDelivered"`
}

func (h *Handler) updateShipping(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateShipping")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	var req updateShippingReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, apperror.Wrap(apperror.KindValidation, "invalid body", err))
		return
	}
	sh, err := h.service.UpdateShipping(ctx, p, chi.URLParam(r, "id"), application.ShippingUpdateCommand{
		Provider:      req.Provider,
		TrackingCode:  req.TrackingCode,
		MarkShipped:   req.MarkShipped,
		MarkDelivered: req.MarkDelivered,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sh)
}
