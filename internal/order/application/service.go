package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nqtran/shopflow/internal/order/domain"
	"github.com/nqtran/shopflow/pkg/apperror"
	"github.com/nqtran/shopflow/pkg/authn"
	"github.com/nqtran/shopflow/pkg/tracing"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type Service struct {
	log      *slog.Logger
	orders   OrderRepository
	carts    CartRepository
	variants VariantReader
}

func NewService(log *slog.Logger, orders OrderRepository, carts CartRepository, variants VariantReader) *Service {
	return &Service{log: log, orders: orders, carts: carts, variants: variants}
}

func (s *Service) GetOrCreateCart(ctx context.Context, p authn.Principal) (domain.Cart, error) {
	return s.carts.GetOrCreate(ctx, p.UserID)
}

func (s *Service) AddCartItem(ctx context.Context, p authn.Principal, variantID string, quantity int) (domain.CartItem, error) {
	if variantID == "" || quantity <= 0 {
		return domain.CartItem{}, apperror.New(apperror.KindValidation, "variant id and a positive quantity are required")
	}
	variants, err := s.variants.ByIDs(ctx, []string{variantID})
	if err != nil {
		return domain.CartItem{}, err
	}
	if _, ok := variants[variantID]; !ok {
		return domain.CartItem{}, apperror.Newf(apperror.KindNotFound, "variant %s not found", variantID)
	}
	cart, err := s.carts.GetOrCreate(ctx, p.UserID)
	if err != nil {
		return domain.CartItem{}, err
	}
	return s.carts.AddItem(ctx, cart.ID, variantID, quantity)
}

type CreateOrderCommand struct {
	CartID      string
	ItemIDs     []string
	WarehouseID *string

	RecipientName string
	Email         string
	Phone         string
	Address       string
}

// CreateFromCart converts a subset of the caller's cart into an order with
// price-at-time snapshots. The whole write is one transaction.
func (s *Service) CreateFromCart(ctx context.Context, p authn.Principal, cmd CreateOrderCommand) (domain.Order, error) {
	if len(cmd.ItemIDs) == 0 {
		return domain.Order{}, apperror.New(apperror.KindValidation, "at least one cart item must be selected")
	}

	cart, err := s.carts.GetOrCreate(ctx, p.UserID)
	if err != nil {
		return domain.Order{}, err
	}
	if cmd.CartID != "" && cmd.CartID != cart.ID {
		return domain.Order{}, apperror.New(apperror.KindValidation, "cart does not belong to the caller")
	}

	selected := make([]domain.CartItem, 0, len(cmd.ItemIDs))
	variantIDs := make([]string, 0, len(cmd.ItemIDs))
	for _, id := range cmd.ItemIDs {
		item, ok := cart.Item(id)
		if !ok {
			return domain.Order{}, apperror.Newf(apperror.KindValidation, "cart item %s is not in the cart", id)
		}
		selected = append(selected, item)
		variantIDs = append(variantIDs, item.VariantID)
	}

	variants, err := s.variants.ByIDs(ctx, variantIDs)
	if err != nil {
		return domain.Order{}, err
	}

	items := make([]domain.OrderItem, 0, len(selected))
	for _, ci := range selected {
		v, ok := variants[ci.VariantID]
		if !ok {
			return domain.Order{}, apperror.Newf(apperror.KindNotFound, "variant %s not found", ci.VariantID)
		}
		if v.Stock < ci.Quantity {
			return domain.Order{}, apperror.Newf(apperror.KindConflict, "variant %s has insufficient stock", ci.VariantID)
		}
		items = append(items, domain.OrderItem{
			VariantID:   ci.VariantID,
			Quantity:    ci.Quantity,
			PriceAtTime: v.UnitPrice(),
		})
	}

	o := domain.NewOrder(uuid.NewString(), p.UserID, cmd.WarehouseID, items)
	sh := domain.Shipping{
		OrderID:       o.ID,
		RecipientName: cmd.RecipientName,
		Email:         cmd.Email,
		Phone:         cmd.Phone,
		Address:       cmd.Address,
	}

	payload, err := json.Marshal(domain.OrderCreated{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		TotalAmount: o.TotalAmount,
		Items:       o.Items,
	})
	if err != nil {
		return domain.Order{}, err
	}

	consumed := make([]string, 0, len(selected))
	for _, ci := range selected {
		consumed = append(consumed, ci.ID)
	}
	if err := s.orders.CreateWithItems(ctx, o, sh, consumed, "OrderCreated", payload, tracing.Traceparent(ctx)); err != nil {
		return domain.Order{}, err
	}
	s.log.Info("order created", "order_id", o.ID, "customer_id", o.CustomerID, "total", o.TotalAmount)
	return o, nil
}

type ConfirmCommand struct {
	RecipientName string
	Email         string
	Phone         string
	Address       string
}

// Confirm finalises the shipping details on an order. Owner only.
func (s *Service) Confirm(ctx context.Context, p authn.Principal, orderID string, cmd ConfirmCommand) (domain.Shipping, error) {
	o, err := s.authorize(ctx, p, orderID, false)
	if err != nil {
		return domain.Shipping{}, err
	}
	if o.Status.Terminal() {
		return domain.Shipping{}, apperror.Newf(apperror.KindConflict, "order %s is %s", orderID, o.Status)
	}

	sh, err := s.orders.Shipping(ctx, orderID)
	if err != nil {
		return domain.Shipping{}, err
	}
	if cmd.RecipientName != "" {
		sh.RecipientName = cmd.RecipientName
	}
	if cmd.Email != "" {
		sh.Email = cmd.Email
	}
	if cmd.Phone != "" {
		sh.Phone = cmd.Phone
	}
	if cmd.Address != "" {
		sh.Address = cmd.Address
	}
	if err := s.orders.UpdateShipping(ctx, sh); err != nil {
		return domain.Shipping{}, err
	}
	return sh, nil
}

// Cancel is allowed to the owner or an admin while the order is not terminal.
// Stock is restored only when it had been applied by a successful payment.
func (s *Service) Cancel(ctx context.Context, p authn.Principal, orderID string) error {
	o, err := s.authorize(ctx, p, orderID, false)
	if err != nil {
		return err
	}
	if !o.Status.CanTransitionTo(domain.StatusCancelled) {
		return apperror.Newf(apperror.KindConflict, "order %s cannot be cancelled from %s", orderID, o.Status)
	}
	return s.cancel(ctx, o)
}

// cancel runs the repository's locked cancel transaction, which restores any
// applied stock, and emits the OrderCancelled event with the refund flag.
// Every path that moves an order to cancelled must go through here.
func (s *Service) cancel(ctx context.Context, o domain.Order) error {
	refundDue, err := s.orders.HasSuccessfulPayment(ctx, o.ID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(domain.OrderCancelled{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		RefundDue:  refundDue,
	})
	if err != nil {
		return err
	}
	if err := s.orders.Cancel(ctx, o.ID, "OrderCancelled", payload, tracing.Traceparent(ctx)); err != nil {
		return err
	}
	s.log.Info("order cancelled", "order_id", o.ID, "refund_due", refundDue)
	return nil
}

// UpdateByID is the admin mutation endpoint; it bypasses the ownership check
// but never the status transition table.
func (s *Service) UpdateByID(ctx context.Context, p authn.Principal, orderID string, upd AdminUpdate) (domain.Order, error) {
	if !p.Admin {
		return domain.Order{}, apperror.New(apperror.KindPermission, "admin access required")
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return domain.Order{}, apperror.Newf(apperror.KindValidation, "unknown status %q", *upd.Status)
		}
		if !o.Status.CanTransitionTo(*upd.Status) {
			return domain.Order{}, apperror.Newf(apperror.KindConflict, "cannot move order from %s to %s", o.Status, *upd.Status)
		}
		// Cancellation carries compensation duties (stock restore, refund
		// event) that a plain status write would skip.
		if *upd.Status == domain.StatusCancelled {
			if err := s.cancel(ctx, o); err != nil {
				return domain.Order{}, err
			}
			upd.Status = nil
		}
	}
	if upd.Status != nil || upd.WarehouseID != nil {
		if err := s.orders.UpdateAdmin(ctx, orderID, upd); err != nil {
			return domain.Order{}, err
		}
	}
	return s.orders.Get(ctx, orderID)
}

// DeleteByID hard-deletes an order. Orders holding applied stock must be
// cancelled first so the restore transaction runs before the rows cascade.
func (s *Service) DeleteByID(ctx context.Context, p authn.Principal, orderID string) error {
	if !p.Admin {
		return apperror.New(apperror.KindPermission, "admin access required")
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.StockApplied {
		return apperror.Newf(apperror.KindConflict, "order %s holds applied stock; cancel it before deleting", orderID)
	}
	return s.orders.Delete(ctx, orderID)
}

// List returns orders matching the filter plus the unpaginated total count.
// Non-admin callers only ever see their own orders.
func (s *Service) List(ctx context.Context, p authn.Principal, f ListFilter) ([]domain.Order, int, error) {
	if !p.Admin {
		f.CustomerID = p.UserID
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperror.Newf(apperror.KindValidation, "unknown status %q", f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.orders.List(ctx, f)
}

type ShippingUpdateCommand struct {
	Provider      string
	TrackingCode  string
	MarkShipped   bool
	MarkDelivered bool
}

// UpdateShipping records carrier details; the shipped/delivered fulfilment
// transitions ride on it and are admin-only.
func (s *Service) UpdateShipping(ctx context.Context, p authn.Principal, orderID string, cmd ShippingUpdateCommand) (domain.Shipping, error) {
	o, err := s.authorize(ctx, p, orderID, cmd.MarkShipped || cmd.MarkDelivered)
	if err != nil {
		return domain.Shipping{}, err
	}

	sh, err := s.orders.Shipping(ctx, orderID)
	if err != nil {
		return domain.Shipping{}, err
	}
	if cmd.Provider != "" {
		sh.Provider = cmd.Provider
	}
	if cmd.TrackingCode != "" {
		sh.TrackingCode = cmd.TrackingCode
	}

	now := time.Now().UTC()
	if cmd.MarkShipped {
		if !o.Status.CanTransitionTo(domain.StatusShipped) {
			return domain.Shipping{}, apperror.Newf(apperror.KindConflict, "cannot ship an order in %s", o.Status)
		}
		if err := s.orders.UpdateStatus(ctx, orderID, o.Status, domain.StatusShipped); err != nil {
			return domain.Shipping{}, err
		}
		sh.ShippedAt = &now
	}
	if cmd.MarkDelivered {
		from := o.Status
		if cmd.MarkShipped {
			from = domain.StatusShipped
		}
		if !from.CanTransitionTo(domain.StatusDelivered) {
			return domain.Shipping{}, apperror.Newf(apperror.KindConflict, "cannot deliver an order in %s", from)
		}
		if err := s.orders.UpdateStatus(ctx, orderID, from, domain.StatusDelivered); err != nil {
			return domain.Shipping{}, err
		}
		sh.DeliveredAt = &now
	}

	if err := s.orders.UpdateShipping(ctx, sh); err != nil {
		return domain.Shipping{}, err
	}
	return sh, nil
}

// authorize loads the order and enforces the ownership rule: the owning
// customer or an admin. adminOnly additionally restricts to admins.
func (s *Service) authorize(ctx context.Context, p authn.Principal, orderID string, adminOnly bool) (domain.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if adminOnly && !p.Admin {
		return domain.Order{}, apperror.New(apperror.KindPermission, "admin access required")
	}
	if !p.Admin && !o.OwnedBy(p.UserID) {
		return domain.Order{}, apperror.New(apperror.KindPermission, "order belongs to another customer")
	}
	return o, nil
}
