package domain

import "time"

// Cart is the pre-order container of selected variants for one customer.
// Created lazily on first add, consumed on order creation.
type Cart struct {
	ID         string
	CustomerID string
	Items      []CartItem
	CreatedAt  time.Time
}

// CartItem is unique per (cart, variant); quantity increments on repeated adds.
type CartItem struct {
	ID        string
	CartID    string
	VariantID string
	Quantity  int

	// Variant snapshot for display; loaded with the cart, never persisted here.
	UnitPrice int64
	Stock     int
}

// Item returns the cart item with the given id, if the cart holds it.
func (c Cart) Item(id string) (CartItem, bool) {
	for _, it := range c.Items {
		if it.ID == id {
			return it, true
		}
	}
	return CartItem{}, false
}
