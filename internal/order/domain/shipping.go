package domain

import "time"

// Shipping is the one-to-one delivery record for an order.
type Shipping struct {
	OrderID       string
	RecipientName string
	Email         string
	Phone         string
	Address       string
	Provider      string
	TrackingCode  string
	ShippedAt     *time.Time
	DeliveredAt   *time.Time
}
