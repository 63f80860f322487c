package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	orderdomain "github.com/nqtran/shopflow/internal/order/domain"
	"github.com/nqtran/shopflow/internal/payment/domain"
	"github.com/nqtran/shopflow/internal/payment/gateway"
	"github.com/nqtran/shopflow/pkg/apperror"
	"github.com/nqtran/shopflow/pkg/authn"
	"github.com/nqtran/shopflow/pkg/tracing"
)

// Config holds the browser-facing pages callbacks redirect to.
type Config struct {
	SuccessURL string
	FailureURL string
	CancelURL  string
}

type Service struct {
	log      *slog.Logger
	registry *gateway.Registry
	payments PaymentRepository
	orders   OrderReader
	dedup    Deduper
	validate *validator.Validate
	cfg      Config
}

func NewService(log *slog.Logger, registry *gateway.Registry, payments PaymentRepository, orders OrderReader, dedup Deduper, cfg Config) *Service {
	return &Service{
		log:      log,
		registry: registry,
		payments: payments,
		orders:   orders,
		dedup:    dedup,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
	}
}

type CreateCommand struct {
	Gateway     string `validate:"required"`
	OrderID     string `validate:"required"`
	Amount      int64
	OrderInfo   string
	Currency    string
	Description string
	BankCode    string
	ClientIP    string
}

type CreateResult struct {
	PaymentID   string
	RedirectURL string
}

// CreatePayment validates the gateway-specific required fields, records a
// pending attempt and dispatches to the matching adapter.
func (s *Service) CreatePayment(ctx context.Context, p authn.Principal, cmd CreateCommand) (CreateResult, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return CreateResult{}, apperror.Wrap(apperror.KindValidation, "invalid payment request", err)
	}
	method, err := gateway.ParseMethod(cmd.Gateway)
	if err != nil {
		return CreateResult{}, err
	}
	if err := validateGatewayFields(method, cmd); err != nil {
		return CreateResult{}, err
	}

	o, err := s.orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return CreateResult{}, err
	}
	if !p.Admin && !o.OwnedBy(p.UserID) {
		return CreateResult{}, apperror.New(apperror.KindPermission, "order belongs to another customer")
	}
	if o.Status != orderdomain.StatusPending {
		return CreateResult{}, apperror.Newf(apperror.KindConflict, "order %s is %s and cannot be paid", o.ID, o.Status)
	}
	if cmd.Amount != o.TotalAmount {
		return CreateResult{}, apperror.Newf(apperror.KindValidation, "amount %d does not match order total %d", cmd.Amount, o.TotalAmount)
	}

	gw, err := s.registry.Get(method)
	if err != nil {
		return CreateResult{}, err
	}

	payment := domain.Payment{
		ID:      uuid.NewString(),
		OrderID: o.ID,
		Amount:  cmd.Amount,
		Method:  string(method),
		Status:  domain.StatusPending,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return CreateResult{}, err
	}

	res, err := gw.CreatePaymentURL(ctx, gateway.CreateRequest{
		PaymentID:   payment.ID,
		OrderID:     o.ID,
		Amount:      cmd.Amount,
		OrderInfo:   cmd.OrderInfo,
		Currency:    cmd.Currency,
		Description: cmd.Description,
		BankCode:    cmd.BankCode,
		ClientIP:    cmd.ClientIP,
		RequestID:   uuid.NewString(),
	})
	if err != nil {
		s.markFailed(ctx, payment, "gateway create failed")
		return CreateResult{}, err
	}
	if res.ProviderRef != "" {
		if err := s.payments.SetProviderRef(ctx, payment.ID, res.ProviderRef); err != nil {
			return CreateResult{}, err
		}
	}

	s.log.Info("payment url created", "payment_id", payment.ID, "order_id", o.ID, "gateway", method)
	return CreateResult{PaymentID: payment.ID, RedirectURL: res.RedirectURL}, nil
}

// validateGatewayFields enforces the per-gateway required fields. VNPay and
// MoMo need amount/orderId/orderInfo; PayPal needs amount/currency/description.
func validateGatewayFields(method gateway.Method, cmd CreateCommand) error {
	if cmd.Amount <= 0 {
		return apperror.New(apperror.KindValidation, "amount must be positive")
	}
	switch method {
	case gateway.MethodVNPay, gateway.MethodMoMo:
		if cmd.OrderInfo == "" {
			return apperror.Newf(apperror.KindValidation, "orderInfo is required for %s", method)
		}
	case gateway.MethodPayPal:
		if cmd.Currency == "" {
			return apperror.New(apperror.KindValidation, "currency is required for paypal")
		}
		if cmd.Description == "" {
			return apperror.New(apperror.KindValidation, "description is required for paypal")
		}
	}
	return nil
}

// VerifyPayment is a pure dispatch with no side effects.
func (s *Service) VerifyPayment(ctx context.Context, method gateway.Method, params url.Values) (gateway.CallbackResult, error) {
	gw, err := s.registry.Get(method)
	if err != nil {
		return gateway.CallbackResult{}, err
	}
	return gw.VerifyCallback(ctx, params)
}

type CallbackOutcome struct {
	RedirectURL string
}

// HandleCallback processes one gateway callback end to end. It never returns
// an error: gateways expect a 200-class redirect whatever the internal
// outcome, so failures are logged and answered with the failure page.
func (s *Service) HandleCallback(ctx context.Context, method gateway.Method, params url.Values) CallbackOutcome {
	if payment, ok := s.alreadySettled(ctx, method, params); ok {
		s.log.Info("replayed callback for settled payment", "gateway", method, "payment_id", payment.ID)
		return s.success(payment.OrderID, payment.ID)
	}

	result, err := s.VerifyPayment(ctx, method, params)
	if err != nil {
		s.log.Error("callback verification errored", "gateway", method, "err", err)
		return s.failure("", "")
	}

	payment, err := s.locate(ctx, result)
	if err != nil {
		s.log.Error("callback payment lookup failed", "gateway", method, "err", err)
		return s.failure("", "")
	}

	if !result.Valid {
		s.log.Warn("callback signature rejected", "gateway", method, "payment_id", payment.ID)
		s.markFailed(ctx, payment, "invalid signature")
		return s.failure(payment.OrderID, payment.ID)
	}
	if result.Amount != 0 && result.Amount != payment.Amount {
		s.log.Warn("callback amount mismatch", "gateway", method, "payment_id", payment.ID, "got", result.Amount, "want", payment.Amount)
		s.markFailed(ctx, payment, "amount mismatch")
		return s.failure(payment.OrderID, payment.ID)
	}
	if !result.Succeeded {
		s.markFailed(ctx, payment, "provider reported "+result.Code)
		return s.failure(payment.OrderID, payment.ID)
	}

	if s.dedup != nil {
		key := s.dedup.CallbackKey(string(method), payment.ID, result.ProviderRef)
		if seen, err := s.dedup.Seen(ctx, key); err == nil && seen && payment.Status == domain.StatusSuccess {
			return s.success(payment.OrderID, payment.ID)
		}
	}

	payload, err := json.Marshal(orderdomain.OrderPaid{
		OrderID:       payment.OrderID,
		PaymentID:     payment.ID,
		PaymentMethod: payment.Method,
		Amount:        payment.Amount,
	})
	if err != nil {
		s.log.Error("marshal OrderPaid failed", "err", err)
		return s.failure(payment.OrderID, payment.ID)
	}
	settle, err := s.payments.Settle(ctx, payment.ID, result.ProviderRef, "OrderPaid", payload, tracing.Traceparent(ctx))
	if err != nil {
		s.log.Error("settlement failed", "payment_id", payment.ID, "err", err)
		return s.failure(payment.OrderID, payment.ID)
	}
	if settle.Applied {
		s.log.Info("payment settled", "payment_id", payment.ID, "order_id", settle.OrderID, "gateway", method)
	} else {
		s.log.Info("duplicate callback ignored", "payment_id", payment.ID, "order_id", settle.OrderID)
	}
	return s.success(payment.OrderID, payment.ID)
}

// HandleCancel marks an attempt abandoned by the customer on the provider's
// pages (PayPal cancel return).
func (s *Service) HandleCancel(ctx context.Context, method gateway.Method, params url.Values) CallbackOutcome {
	providerID := params.Get("paymentId")
	if providerID == "" {
		return CallbackOutcome{RedirectURL: s.cfg.CancelURL}
	}
	payment, err := s.payments.ByProviderPaymentID(ctx, providerID)
	if err != nil {
		s.log.Warn("cancel callback for unknown payment", "gateway", method, "provider_id", providerID)
		return CallbackOutcome{RedirectURL: s.cfg.CancelURL}
	}
	s.markFailed(ctx, payment, "cancelled by customer")
	return CallbackOutcome{RedirectURL: redirect(s.cfg.CancelURL, payment.OrderID, payment.ID)}
}

type RefundCommand struct {
	PaymentID string `validate:"required"`
	Amount    int64
	Reason    string
}

// Refund dispatches a refund for a settled attempt. Admin only.
func (s *Service) Refund(ctx context.Context, p authn.Principal, cmd RefundCommand) (gateway.RefundResult, error) {
	if !p.Admin {
		return gateway.RefundResult{}, apperror.New(apperror.KindPermission, "admin access required")
	}
	if err := s.validate.Struct(cmd); err != nil {
		return gateway.RefundResult{}, apperror.Wrap(apperror.KindValidation, "invalid refund request", err)
	}

	payment, err := s.payments.Get(ctx, cmd.PaymentID)
	if err != nil {
		return gateway.RefundResult{}, err
	}
	if payment.Status != domain.StatusSuccess {
		return gateway.RefundResult{}, apperror.Newf(apperror.KindConflict, "payment %s is %s and cannot be refunded", payment.ID, payment.Status)
	}
	gw, err := s.registry.Get(gateway.Method(payment.Method))
	if err != nil {
		return gateway.RefundResult{}, err
	}

	amount := cmd.Amount
	if amount <= 0 || amount > payment.Amount {
		amount = payment.Amount
	}
	providerRef := ""
	if payment.ProviderRef != nil {
		providerRef = *payment.ProviderRef
	}

	res, err := gw.Refund(ctx, gateway.RefundRequest{
		PaymentRef:  payment.ID,
		ProviderRef: providerRef,
		Amount:      amount,
		Reason:      cmd.Reason,
		RequestID:   uuid.NewString(),
		RequestedBy: p.UserID,
	})
	if err != nil {
		return res, err
	}

	payload, merr := json.Marshal(domain.PaymentRefunded{
		PaymentID:   payment.ID,
		OrderID:     payment.OrderID,
		Method:      payment.Method,
		Amount:      amount,
		ProviderRef: providerRef,
	})
	if merr == nil {
		if rerr := s.payments.RecordRefund(ctx, payment.ID, "PaymentRefunded", payload, tracing.Traceparent(ctx)); rerr != nil {
			s.log.Error("record refund failed", "payment_id", payment.ID, "err", rerr)
		}
	}
	s.log.Info("refund dispatched", "payment_id", payment.ID, "amount", amount, "gateway", payment.Method)
	return res, nil
}

// alreadySettled resolves the payment attempt from the raw callback parameters
// without contacting the provider. A replayed success callback must not be
// re-verified: PayPal's execute call is one-shot and rejects a second attempt,
// which would bounce an already-paid customer to the failure page.
func (s *Service) alreadySettled(ctx context.Context, method gateway.Method, params url.Values) (domain.Payment, bool) {
	var payment domain.Payment
	var err error
	switch method {
	case gateway.MethodVNPay:
		ref := params.Get("vnp_TxnRef")
		if ref == "" {
			return domain.Payment{}, false
		}
		payment, err = s.payments.Get(ctx, ref)
	case gateway.MethodMoMo:
		ref := params.Get("orderId")
		if ref == "" {
			return domain.Payment{}, false
		}
		payment, err = s.payments.Get(ctx, ref)
	case gateway.MethodPayPal:
		id := params.Get("paymentId")
		if id == "" {
			return domain.Payment{}, false
		}
		payment, err = s.payments.ByProviderPaymentID(ctx, id)
	default:
		return domain.Payment{}, false
	}
	if err != nil {
		return domain.Payment{}, false
	}
	return payment, payment.Status == domain.StatusSuccess
}

func (s *Service) locate(ctx context.Context, result gateway.CallbackResult) (domain.Payment, error) {
	if result.PaymentRef != "" {
		return s.payments.Get(ctx, result.PaymentRef)
	}
	if result.ProviderPaymentID != "" {
		return s.payments.ByProviderPaymentID(ctx, result.ProviderPaymentID)
	}
	return domain.Payment{}, apperror.New(apperror.KindValidation, "callback carries no payment reference")
}

func (s *Service) markFailed(ctx context.Context, payment domain.Payment, reason string) {
	payload, err := json.Marshal(domain.PaymentFailed{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Method:    payment.Method,
		Reason:    reason,
	})
	if err != nil {
		s.log.Error("marshal PaymentFailed failed", "err", err)
		return
	}
	if err := s.payments.MarkFailed(ctx, payment.ID, "PaymentFailed", payload, tracing.Traceparent(ctx)); err != nil {
		s.log.Error("mark payment failed errored", "payment_id", payment.ID, "err", err)
	}
}

func (s *Service) success(orderID, paymentID string) CallbackOutcome {
	return CallbackOutcome{RedirectURL: redirect(s.cfg.SuccessURL, orderID, paymentID)}
}

func (s *Service) failure(orderID, paymentID string) CallbackOutcome {
	return CallbackOutcome{RedirectURL: redirect(s.cfg.FailureURL, orderID, paymentID)}
}

// redirect appends the order/payment identifiers for support lookup.
func redirect(page, orderID, paymentID string) string {
	q := url.Values{}
	if orderID != "" {
		q.Set("orderId", orderID)
	}
	if paymentID != "" {
		q.Set("paymentId", paymentID)
	}
	if len(q) == 0 {
		return page
	}
	return page + "?" + q.Encode()
}
