package domain

type OrderCreated struct {
	OrderID     string
	CustomerID  string
	TotalAmount int64
	Items       []OrderItem
}

type OrderPaid struct {
	OrderID       string
	PaymentID     string
	PaymentMethod string
	Amount        int64
}

type OrderCancelled struct {
	OrderID    string
	CustomerID string
	// RefundDue is set when a successful payment exists for the order and the
	// money movement still has to be compensated.
	RefundDue bool
}
