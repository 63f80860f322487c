package domain

type PaymentFailed struct {
	PaymentID string
	OrderID   string
	Method    string
	Reason    string
}

type PaymentRefunded struct {
	PaymentID   string
	OrderID     string
	Method      string
	Amount      int64
	ProviderRef string
}
