package application

import (
	"context"

	orderdomain "github.com/nqtran/shopflow/internal/order/domain"
	"github.com/nqtran/shopflow/internal/payment/domain"
)

type SettleResult struct {
	OrderID string
	// Applied reports that this call performed the settlement. A replayed
	// callback for an already-successful payment returns Applied=false with no
	// further stock movement.
	Applied bool
}

type PaymentRepository interface {
	Create(ctx context.Context, p domain.Payment) error
	Get(ctx context.Context, id string) (domain.Payment, error)
	// ByProviderPaymentID resolves attempts keyed by the provider's own payment
	// id (PayPal callbacks carry no reference of ours).
	ByProviderPaymentID(ctx context.Context, providerID string) (domain.Payment, error)
	SetProviderRef(ctx context.Context, id, providerRef string) error
	// MarkFailed flips a pending attempt to failed and appends the outbox
	// event. Attempts already settled are left untouched.
	MarkFailed(ctx context.Context, id, eventType string, payload []byte, traceparent string) error
	// Settle applies a verified-success callback in one transaction over the
	// locked order row: payment success + provider ref, order
	// pending->processing, stock decrement gated on the stock_applied flag,
	// outbox event.
	Settle(ctx context.Context, paymentID, providerRef, eventType string, payload []byte, traceparent string) (SettleResult, error)
	// RecordRefund appends the refund outbox event; payment status is not part
	// of the refund bookkeeping.
	RecordRefund(ctx context.Context, paymentID, eventType string, payload []byte, traceparent string) error
}

type OrderReader interface {
	Get(ctx context.Context, id string) (orderdomain.Order, error)
}

// Deduper is the redis-backed callback dedup fast path. The settlement
// transaction stays the authoritative idempotency gate.
type Deduper interface {
	CallbackKey(gateway, ref, signature string) string
	Seen(ctx context.Context, key string) (bool, error)
}
