package domain

import "time"

// Variant is a purchasable SKU with its own price and stock level.
type Variant struct {
	ID            string
	ProductID     string
	SKU           string
	Price         int64
	DiscountPrice *int64
	Stock         int
	UpdatedAt     time.Time
}

// UnitPrice is the price charged at order time: the discount price when one is set.
func (v Variant) UnitPrice() int64 {
	if v.DiscountPrice != nil {
		return *v.DiscountPrice
	}
	return v.Price
}
