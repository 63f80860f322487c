package domain

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Payment is one payment attempt against an order. An order may carry several
// attempts; only the attempt that reaches success progresses the order.
type Payment struct {
	ID          string
	OrderID     string
	Amount      int64
	Method      string
	ProviderRef *string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
