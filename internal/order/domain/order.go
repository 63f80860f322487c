package domain

import "time"

type Order struct {
	ID           string
	CustomerID   string
	WarehouseID  *string
	Items        []OrderItem
	TotalAmount  int64
	Status       Status
	StockApplied bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderItem snapshots the variant's unit price at order creation. The order is
// decoupled from any later price change.
type OrderItem struct {
	VariantID   string
	Quantity    int
	PriceAtTime int64
}

func NewOrder(id, customerID string, warehouseID *string, items []OrderItem) Order {
	var total int64
	for _, item := range items {
		total += int64(item.Quantity) * item.PriceAtTime
	}
	now := time.Now().UTC()
	return Order{
		ID:          id,
		CustomerID:  customerID,
		WarehouseID: warehouseID,
		Items:       items,
		TotalAmount: total,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// OwnedBy reports whether the principal may mutate this order.
func (o Order) OwnedBy(userID string) bool {
	return o.CustomerID == userID
}
