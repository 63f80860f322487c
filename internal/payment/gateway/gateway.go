// Package gateway holds the payment-provider adapters. Each provider's signing
// and callback-verification algorithm must be reproduced byte for byte (field
// order, encoding, hash algorithm) or verification silently fails, so creation
// and verification always share the same canonicalization helpers.
package gateway

import (
	"context"
	"net/url"

	"github.com/nqtran/shopflow/pkg/apperror"
)

type Method string

const (
	MethodVNPay  Method = "vnpay"
	MethodMoMo   Method = "momo"
	MethodPayPal Method = "paypal"
)

func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodVNPay, MethodMoMo, MethodPayPal:
		return Method(s), nil
	}
	return "", apperror.Newf(apperror.KindValidation, "unsupported payment gateway %q", s)
}

// CreateRequest carries the normalised fields a provider needs to build a
// payment URL. PaymentID is our attempt id and becomes the provider-side
// transaction reference for VNPay and MoMo.
type CreateRequest struct {
	PaymentID   string
	OrderID     string
	Amount      int64
	OrderInfo   string
	Currency    string
	Description string
	ClientIP    string
	BankCode    string
	RequestID   string
}

type CreateResult struct {
	// RedirectURL is where the customer's browser goes to pay (VNPay/MoMo pay
	// URL or the PayPal approval URL).
	RedirectURL string
	// ProviderRef is the provider-assigned payment id, when one exists at
	// creation time (PayPal).
	ProviderRef string
}

// CallbackResult is the normalised outcome of verifying one gateway callback.
type CallbackResult struct {
	// PaymentRef is our payment attempt id recovered from the callback.
	PaymentRef string
	// ProviderPaymentID is the provider-assigned payment id, for providers that
	// key callbacks on their own id (PayPal).
	ProviderPaymentID string
	// ProviderRef is the provider transaction number captured at settlement.
	ProviderRef string
	Amount      int64
	// Valid reports that the callback's signature checks out. PayPal has no
	// independent signature; validity is implicit in the execute call.
	Valid bool
	// Succeeded reports the provider's payment outcome code.
	Succeeded bool
	Code      string
}

type RefundRequest struct {
	PaymentRef  string
	ProviderRef string
	Amount      int64
	Reason      string
	RequestID   string
	RequestedBy string
}

type RefundResult struct {
	Code    string
	Message string
	Raw     map[string]any
}

type Gateway interface {
	Method() Method
	CreatePaymentURL(ctx context.Context, req CreateRequest) (CreateResult, error)
	VerifyCallback(ctx context.Context, params url.Values) (CallbackResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Registry selects the adapter for an enumerated gateway tag.
type Registry struct {
	gateways map[Method]Gateway
}

func NewRegistry(gws ...Gateway) *Registry {
	m := make(map[Method]Gateway, len(gws))
	for _, gw := range gws {
		m[gw.Method()] = gw
	}
	return &Registry{gateways: m}
}

func (r *Registry) Get(method Method) (Gateway, error) {
	gw, ok := r.gateways[method]
	if !ok {
		return nil, apperror.Newf(apperror.KindValidation, "unsupported payment gateway %q", method)
	}
	return gw, nil
}
