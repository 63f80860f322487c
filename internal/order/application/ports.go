package application

import (
	"context"
	"time"

	invdomain "github.com/nqtran/shopflow/internal/inventory/domain"
	"github.com/nqtran/shopflow/internal/order/domain"
)

type CartRepository interface {
	// GetOrCreate returns the customer's cart with items and variant snapshots,
	// creating an empty cart on first use. Idempotent.
	GetOrCreate(ctx context.Context, customerID string) (domain.Cart, error)
	AddItem(ctx context.Context, cartID, variantID string, quantity int) (domain.CartItem, error)
}

type VariantReader interface {
	ByIDs(ctx context.Context, ids []string) (map[string]invdomain.Variant, error)
}

type ListFilter struct {
	ID          string
	CustomerID  string
	Status      domain.Status
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	AmountMin   *int64
	AmountMax   *int64
	Offset      int
	Limit       int
}

type AdminUpdate struct {
	Status      *domain.Status
	WarehouseID *string
}

type OrderRepository interface {
	// CreateWithItems persists order, items and shipping, consumes the selected
	// cart items and appends the outbox event, all in one transaction.
	CreateWithItems(ctx context.Context, o domain.Order, sh domain.Shipping, consumedItemIDs []string, eventType string, payload []byte, traceparent string) error
	Get(ctx context.Context, id string) (domain.Order, error)
	List(ctx context.Context, f ListFilter) ([]domain.Order, int, error)
	Shipping(ctx context.Context, orderID string) (domain.Shipping, error)
	UpdateShipping(ctx context.Context, sh domain.Shipping) error
	// UpdateStatus moves the order from exactly the given status; it fails with
	// a conflict when the row no longer holds that status.
	UpdateStatus(ctx context.Context, orderID string, from, to domain.Status) error
	UpdateAdmin(ctx context.Context, orderID string, upd AdminUpdate) error
	Delete(ctx context.Context, orderID string) error
	HasSuccessfulPayment(ctx context.Context, orderID string) (bool, error)
	// Cancel marks the order cancelled, restores variant stock when it had been
	// applied, and appends the outbox event in one transaction over a locked row.
	Cancel(ctx context.Context, orderID string, eventType string, payload []byte, traceparent string) error
}
