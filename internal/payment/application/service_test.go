package application

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	orderdomain "github.com/nqtran/shopflow/internal/order/domain"
	"github.com/nqtran/shopflow/internal/payment/domain"
	"github.com/nqtran/shopflow/internal/payment/gateway"
	"github.com/nqtran/shopflow/pkg/apperror"
	"github.com/nqtran/shopflow/pkg/authn"
)

type fakePayments struct {
	payments map[string]domain.Payment

	settleCalls int
	failedIDs   []string
	refunds     []string
}

func newFakePayments() *fakePayments {
	return &fakePayments{payments: map[string]domain.Payment{}}
}

func (f *fakePayments) Create(_ context.Context, p domain.Payment) error {
	f.payments[p.ID] = p
	return nil
}

func (f *fakePayments) Get(_ context.Context, id string) (domain.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return domain.Payment{}, apperror.Newf(apperror.KindNotFound, "payment %s not found", id)
	}
	return p, nil
}

func (f *fakePayments) ByProviderPaymentID(_ context.Context, providerID string) (domain.Payment, error) {
	for _, p := range f.payments {
		if p.ProviderRef != nil && *p.ProviderRef == providerID {
			return p, nil
		}
	}
	return domain.Payment{}, apperror.New(apperror.KindNotFound, "payment not found")
}

func (f *fakePayments) SetProviderRef(_ context.Context, id, ref string) error {
	p := f.payments[id]
	p.ProviderRef = &ref
	f.payments[id] = p
	return nil
}

func (f *fakePayments) MarkFailed(_ context.Context, id, _ string, _ []byte, _ string) error {
	p := f.payments[id]
	if p.Status == domain.StatusPending {
		p.Status = domain.StatusFailed
		f.payments[id] = p
	}
	f.failedIDs = append(f.failedIDs, id)
	return nil
}

func (f *fakePayments) Settle(_ context.Context, paymentID, providerRef, _ string, _ []byte, _ string) (SettleResult, error) {
	p, ok := f.payments[paymentID]
	if !ok {
		return SettleResult{}, apperror.New(apperror.KindNotFound, "payment not found")
	}
	if p.Status == domain.StatusSuccess {
		return SettleResult{OrderID: p.OrderID, Applied: false}, nil
	}
	p.Status = domain.StatusSuccess
	p.ProviderRef = &providerRef
	f.payments[paymentID] = p
	f.settleCalls++
	return SettleResult{OrderID: p.OrderID, Applied: true}, nil
}

func (f *fakePayments) RecordRefund(_ context.Context, paymentID, _ string, _ []byte, _ string) error {
	f.refunds = append(f.refunds, paymentID)
	return nil
}

type fakeOrderReader struct {
	orders map[string]orderdomain.Order
}

func (f *fakeOrderReader) Get(_ context.Context, id string) (orderdomain.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return orderdomain.Order{}, apperror.Newf(apperror.KindNotFound, "order %s not found", id)
	}
	return o, nil
}

// stubGateway scripts the verification outcome.
type stubGateway struct {
	method      gateway.Method
	createRes   gateway.CreateResult
	createErr   error
	verify      gateway.CallbackResult
	verifyErr   error
	verifyCalls int
	refundRes   gateway.RefundResult
	refundErr   error

	lastCreate gateway.CreateRequest
	lastRefund gateway.RefundRequest
}

func (s *stubGateway) Method() gateway.Method { return s.method }

func (s *stubGateway) CreatePaymentURL(_ context.Context, req gateway.CreateRequest) (gateway.CreateResult, error) {
	s.lastCreate = req
	return s.createRes, s.createErr
}

func (s *stubGateway) VerifyCallback(_ context.Context, _ url.Values) (gateway.CallbackResult, error) {
	s.verifyCalls++
	return s.verify, s.verifyErr
}

func (s *stubGateway) Refund(_ context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	s.lastRefund = req
	return s.refundRes, s.refundErr
}

type fakeDedup struct {
	seen map[string]bool
}

func (f *fakeDedup) CallbackKey(gw, ref, sig string) string {
	return fmt.Sprintf("%s:%s:%s", gw, ref, sig)
}

func (f *fakeDedup) Seen(_ context.Context, key string) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	was := f.seen[key]
	f.seen[key] = true
	return was, nil
}

func testSetup(gw *stubGateway) (*Service, *fakePayments, *fakeOrderReader) {
	payments := newFakePayments()
	orders := &fakeOrderReader{orders: map[string]orderdomain.Order{
		"ord-1": {ID: "ord-1", CustomerID: "cust-a", Status: orderdomain.StatusPending, TotalAmount: 250},
	}}
	svc := NewService(
		slog.New(slog.DiscardHandler),
		gateway.NewRegistry(gw),
		payments,
		orders,
		&fakeDedup{},
		Config{
			SuccessURL: "https://shop.example.com/payment/success",
			FailureURL: "https://shop.example.com/payment/failure",
			CancelURL:  "https://shop.example.com/payment/cancelled",
		},
	)
	return svc, payments, orders
}

func owner() authn.Principal { return authn.Principal{UserID: "cust-a"} }

func TestCreatePaymentDispatches(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay, createRes: gateway.CreateResult{RedirectURL: "https://pay.example/u"}}
	svc, payments, _ := testSetup(gw)

	res, err := svc.CreatePayment(context.Background(), owner(), CreateCommand{
		Gateway:   "vnpay",
		OrderID:   "ord-1",
		Amount:    250,
		OrderInfo: "order ord-1",
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if res.RedirectURL != "https://pay.example/u" {
		t.Errorf("RedirectURL = %q", res.RedirectURL)
	}
	p, err := payments.Get(context.Background(), res.PaymentID)
	if err != nil {
		t.Fatalf("payment row missing: %v", err)
	}
	if p.Status != domain.StatusPending || p.OrderID != "ord-1" || p.Amount != 250 {
		t.Errorf("payment row = %+v", p)
	}
	if gw.lastCreate.PaymentID != res.PaymentID {
		t.Error("gateway must receive our payment id as reference")
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay}
	svc, _, _ := testSetup(gw)

	cases := []struct {
		name string
		cmd  CreateCommand
	}{
		{"empty command", CreateCommand{}},
		{"no amount", CreateCommand{Gateway: "vnpay", OrderID: "ord-1"}},
		{"unknown gateway", CreateCommand{Gateway: "stripe", OrderID: "ord-1", Amount: 250}},
		{"vnpay without orderInfo", CreateCommand{Gateway: "vnpay", OrderID: "ord-1", Amount: 250}},
		{"momo without orderInfo", CreateCommand{Gateway: "momo", OrderID: "ord-1", Amount: 250}},
		{"paypal without currency", CreateCommand{Gateway: "paypal", OrderID: "ord-1", Amount: 250, Description: "d"}},
		{"paypal without description", CreateCommand{Gateway: "paypal", OrderID: "ord-1", Amount: 250, Currency: "USD"}},
		{"amount differs from order total", CreateCommand{Gateway: "vnpay", OrderID: "ord-1", Amount: 99, OrderInfo: "x"}},
	}
	for _, tc := range cases {
		if _, err := svc.CreatePayment(context.Background(), owner(), tc.cmd); !apperror.Is(err, apperror.KindValidation) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestCreatePaymentOwnership(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay}
	svc, payments, _ := testSetup(gw)

	_, err := svc.CreatePayment(context.Background(), authn.Principal{UserID: "cust-b"}, CreateCommand{
		Gateway: "vnpay", OrderID: "ord-1", Amount: 250, OrderInfo: "x",
	})
	if !apperror.Is(err, apperror.KindPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if len(payments.payments) != 0 {
		t.Error("no attempt should be recorded")
	}
}

func TestCreatePaymentNonPendingOrder(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay}
	svc, _, orders := testSetup(gw)
	o := orders.orders["ord-1"]
	o.Status = orderdomain.StatusProcessing
	orders.orders["ord-1"] = o

	_, err := svc.CreatePayment(context.Background(), owner(), CreateCommand{
		Gateway: "vnpay", OrderID: "ord-1", Amount: 250, OrderInfo: "x",
	})
	if !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreatePaymentGatewayFailureMarksAttempt(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodMoMo, createErr: apperror.New(apperror.KindGateway, "momo: down")}
	svc, payments, _ := testSetup(gw)

	_, err := svc.CreatePayment(context.Background(), owner(), CreateCommand{
		Gateway: "momo", OrderID: "ord-1", Amount: 250, OrderInfo: "x",
	})
	if !apperror.Is(err, apperror.KindGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if len(payments.failedIDs) != 1 {
		t.Error("failed attempt should be marked")
	}
}

func seedPending(payments *fakePayments) domain.Payment {
	p := domain.Payment{ID: "pay-1", OrderID: "ord-1", Amount: 250, Method: "vnpay", Status: domain.StatusPending}
	payments.payments[p.ID] = p
	return p
}

func TestHandleCallbackSuccess(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay, verify: gateway.CallbackResult{
		PaymentRef: "pay-1", ProviderRef: "tx-9", Amount: 250, Valid: true, Succeeded: true, Code: "00",
	}}
	svc, payments, _ := testSetup(gw)
	seedPending(payments)

	out := svc.HandleCallback(context.Background(), gateway.MethodVNPay, url.Values{})
	if !strings.HasPrefix(out.RedirectURL, "https://shop.example.com/payment/success?") {
		t.Fatalf("redirect = %q", out.RedirectURL)
	}
	if !strings.Contains(out.RedirectURL, "orderId=ord-1") || !strings.Contains(out.RedirectURL, "paymentId=pay-1") {
		t.Errorf("redirect missing identifiers: %q", out.RedirectURL)
	}
	if payments.payments["pay-1"].Status != domain.StatusSuccess {
		t.Error("payment not settled")
	}
	if payments.settleCalls != 1 {
		t.Errorf("settle calls = %d", payments.settleCalls)
	}
}

func TestHandleCallbackReplayIsIdempotent(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay, verify: gateway.CallbackResult{
		PaymentRef: "pay-1", ProviderRef: "tx-9", Amount: 250, Valid: true, Succeeded: true, Code: "00",
	}}
	svc, payments, _ := testSetup(gw)
	seedPending(payments)

	svc.HandleCallback(context.Background(), gateway.MethodVNPay, url.Values{})
	second := svc.HandleCallback(context.Background(), gateway.MethodVNPay, url.Values{})

	if payments.settleCalls != 1 {
		t.Fatalf("settle applied %d times, want exactly once", payments.settleCalls)
	}
	if payments.payments["pay-1"].Status != domain.StatusSuccess {
		t.Error("payment status must stay success")
	}
	if !strings.HasPrefix(second.RedirectURL, "https://shop.example.com/payment/success") {
		t.Errorf("replay should still land on success page, got %q", second.RedirectURL)
	}
}

// A replayed PayPal success return must not re-execute the payment: the
// provider rejects a second execute, which would send a paid customer to the
// failure page.
func TestHandleCallbackReplaySkipsProvider(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodPayPal, verifyErr: apperror.New(apperror.KindGateway, "paypal: payment already executed")}
	svc, payments, _ := testSetup(gw)
	ref := "PAY-X"
	payments.payments["pay-2"] = domain.Payment{ID: "pay-2", OrderID: "ord-1", Amount: 250, Method: "paypal", Status: domain.StatusSuccess, ProviderRef: &ref}

	out := svc.HandleCallback(context.Background(), gateway.MethodPayPal, url.Values{"paymentId": {"PAY-X"}, "PayerID": {"PAYER99"}})
	if !strings.HasPrefix(out.RedirectURL, "https://shop.example.com/payment/success") {
		t.Fatalf("replay must land on the success page, got %q", out.RedirectURL)
	}
	if gw.verifyCalls != 0 {
		t.Errorf("provider contacted %d times for a settled payment", gw.verifyCalls)
	}
	if payments.settleCalls != 0 {
		t.Error("nothing left to settle")
	}
}

// The settled short-circuit also covers VNPay replays keyed on vnp_TxnRef,
// while pending attempts still go through signature verification.
func TestHandleCallbackSettledShortCircuitByTxnRef(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay, verify: gateway.CallbackResult{
		PaymentRef: "pay-1", ProviderRef: "tx-9", Amount: 250, Valid: true, Succeeded: true, Code: "00",
	}}
	svc, payments, _ := testSetup(gw)
	seedPending(payments)

	params := url.Values{"vnp_TxnRef": {"pay-1"}}
	svc.HandleCallback(context.Background(), gateway.MethodVNPay, params)
	if gw.verifyCalls != 1 {
		t.Fatalf("first delivery must verify, calls = %d", gw.verifyCalls)
	}

	out := svc.HandleCallback(context.Background(), gateway.MethodVNPay, params)
	if gw.verifyCalls != 1 {
		t.Errorf("replay re-verified, calls = %d", gw.verifyCalls)
	}
	if payments.settleCalls != 1 {
		t.Errorf("settle calls = %d, want exactly one", payments.settleCalls)
	}
	if !strings.HasPrefix(out.RedirectURL, "https://shop.example.com/payment/success") {
		t.Errorf("replay redirect = %q", out.RedirectURL)
	}
}

func TestHandleCallbackInvalidSignature(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay, verify: gateway.CallbackResult{
		PaymentRef: "pay-1", Valid: false,
	}}
	svc, payments, _ := testSetup(gw)
	seedPending(payments)

	out := svc.HandleCallback(context.Background(), gateway.MethodVNPay, url.Values{})
	if !strings.HasPrefix(out.RedirectURL, "https://shop.example.com/payment/failure") {
		t.Fatalf("redirect = %q", out.RedirectURL)
	}
	if payments.payments["pay-1"].Status != domain.StatusFailed {
		t.Error("payment should be marked failed")
	}
	if payments.settleCalls != 0 {
		t.Error("no settlement on invalid signature")
	}
}

func TestHandleCallbackProviderDeclined(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodPayPal, verify: gateway.CallbackResult{
		ProviderPaymentID: "PAY-X", Valid: true, Succeeded: false, Code: "failed",
	}}
	svc, payments, _ := testSetup(gw)
	ref := "PAY-X"
	payments.payments["pay-2"] = domain.Payment{ID: "pay-2", OrderID: "ord-1", Amount: 250, Method: "paypal", Status: domain.StatusPending, ProviderRef: &ref}

	out := svc.HandleCallback(context.Background(), gateway.MethodPayPal, url.Values{})
	if !strings.HasPrefix(out.RedirectURL, "https://shop.example.com/payment/failure") {
		t.Fatalf("redirect = %q", out.RedirectURL)
	}
	if payments.payments["pay-2"].Status != domain.StatusFailed {
		t.Error("non-approved execute must mark the attempt failed")
	}
	if payments.settleCalls != 0 {
		t.Error("order must stay untouched")
	}
}

func TestHandleCallbackAmountMismatch(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay, verify: gateway.CallbackResult{
		PaymentRef: "pay-1", Amount: 100, Valid: true, Succeeded: true, Code: "00",
	}}
	svc, payments, _ := testSetup(gw)
	seedPending(payments)

	out := svc.HandleCallback(context.Background(), gateway.MethodVNPay, url.Values{})
	if !strings.HasPrefix(out.RedirectURL, "https://shop.example.com/payment/failure") {
		t.Fatalf("redirect = %q", out.RedirectURL)
	}
	if payments.settleCalls != 0 {
		t.Error("mismatched amount must not settle")
	}
}

func TestHandleCallbackUnknownPayment(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay, verify: gateway.CallbackResult{
		PaymentRef: "pay-missing", Valid: true, Succeeded: true,
	}}
	svc, _, _ := testSetup(gw)

	out := svc.HandleCallback(context.Background(), gateway.MethodVNPay, url.Values{})
	if out.RedirectURL != "https://shop.example.com/payment/failure" {
		t.Fatalf("redirect = %q", out.RedirectURL)
	}
}

func TestHandleCancel(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodPayPal}
	svc, payments, _ := testSetup(gw)
	ref := "PAY-C"
	payments.payments["pay-3"] = domain.Payment{ID: "pay-3", OrderID: "ord-1", Amount: 250, Method: "paypal", Status: domain.StatusPending, ProviderRef: &ref}

	out := svc.HandleCancel(context.Background(), gateway.MethodPayPal, url.Values{"paymentId": {"PAY-C"}})
	if !strings.HasPrefix(out.RedirectURL, "https://shop.example.com/payment/cancelled?") {
		t.Fatalf("redirect = %q", out.RedirectURL)
	}
	if payments.payments["pay-3"].Status != domain.StatusFailed {
		t.Error("cancelled attempt should be failed")
	}
}

func TestRefund(t *testing.T) {
	gw := &stubGateway{method: gateway.MethodVNPay, refundRes: gateway.RefundResult{Code: "00"}}
	svc, payments, _ := testSetup(gw)
	ref := "tx-9"
	payments.payments["pay-1"] = domain.Payment{ID: "pay-1", OrderID: "ord-1", Amount: 250, Method: "vnpay", Status: domain.StatusSuccess, ProviderRef: &ref}

	adm := authn.Principal{UserID: "adm-1", Admin: true}

	if _, err := svc.Refund(context.Background(), owner(), RefundCommand{PaymentID: "pay-1"}); !apperror.Is(err, apperror.KindPermission) {
		t.Fatalf("non-admin refund: %v", err)
	}

	res, err := svc.Refund(context.Background(), adm, RefundCommand{PaymentID: "pay-1", Reason: "customer request"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if res.Code != "00" {
		t.Errorf("Code = %q", res.Code)
	}
	if gw.lastRefund.Amount != 250 || gw.lastRefund.ProviderRef != "tx-9" {
		t.Errorf("refund request = %+v", gw.lastRefund)
	}
	if len(payments.refunds) != 1 {
		t.Error("refund event not recorded")
	}

	// Pending attempts cannot be refunded.
	payments.payments["pay-9"] = domain.Payment{ID: "pay-9", OrderID: "ord-1", Amount: 250, Method: "vnpay", Status: domain.StatusPending}
	if _, err := svc.Refund(context.Background(), adm, RefundCommand{PaymentID: "pay-9"}); !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("pending refund: %v", err)
	}
}
