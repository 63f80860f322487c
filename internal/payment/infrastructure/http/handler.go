package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nqtran/shopflow/internal/payment/application"
	"github.com/nqtran/shopflow/internal/payment/gateway"
	"github.com/nqtran/shopflow/pkg/apperror"
	"github.com/nqtran/shopflow/pkg/authn"
	"github.com/nqtran/shopflow/pkg/httpx"
)

type PaymentService interface {
	CreatePayment(ctx context.Context, p authn.Principal, cmd application.CreateCommand) (application.CreateResult, error)
	HandleCallback(ctx context.Context, method gateway.Method, params url.Values) application.CallbackOutcome
	HandleCancel(ctx context.Context, method gateway.Method, params url.Values) application.CallbackOutcome
	Refund(ctx context.Context, p authn.Principal, cmd application.RefundCommand) (gateway.RefundResult, error)
}

type Handler struct {
	log     *slog.Logger
	service PaymentService
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service PaymentService) *Handler {
	return &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("payment-http"),
	}
}

// Routes builds the payment router. Gateway callbacks stay outside the auth
// middleware because providers call them without a bearer token.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/vnpay/callback", h.callback(gateway.MethodVNPay))
	r.Get("/momo/callback", h.callback(gateway.MethodMoMo))
	r.Get("/paypal/success", h.callback(gateway.MethodPayPal))
	r.Get("/paypal/cancel", h.cancel(gateway.MethodPayPal))
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/create", h.createPayment)
		r.Post("/refund", h.refund)
	})
	return r
}

type createPaymentReq struct {
	Gateway     string `json:"gateway"`
	OrderID     string `json:"orderId"`
	Amount      int64  `json:"amount"`
	OrderInfo   string `json:"orderInfo"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	BankCode    string `json:"bankCode"`
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreatePayment")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	var req createPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, apperror.Wrap(apperror.KindValidation, "invalid body", err))
		return
	}
	res, err := h.service.CreatePayment(ctx, p, application.CreateCommand{
		Gateway:     req.Gateway,
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		OrderInfo:   req.OrderInfo,
		Currency:    req.Currency,
		Description: req.Description,
		BankCode:    req.BankCode,
		ClientIP:    clientIP(r),
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{
		"paymentId":   res.PaymentID,
		"redirectUrl": res.RedirectURL,
	})
}

// callback answers gateway return/notify requests. Whatever happens inside,
// the browser is sent to a result page, never an error payload.
func (h *Handler) callback(method gateway.Method) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "PaymentCallback")
		defer span.End()

		out := h.service.HandleCallback(ctx, method, r.URL.Query())
		http.Redirect(w, r, out.RedirectURL, http.StatusFound)
	}
}

func (h *Handler) cancel(method gateway.Method) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "PaymentCancel")
		defer span.End()

		out := h.service.HandleCancel(ctx, method, r.URL.Query())
		http.Redirect(w, r, out.RedirectURL, http.StatusFound)
	}
}

type refundReq struct {
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RefundPayment")
	defer span.End()

	p, ok := authn.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, apperror.New(apperror.KindPermission, "authentication required"))
		return
	}
	var req refundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, apperror.Wrap(apperror.KindValidation, "invalid body", err))
		return
	}
	res, err := h.service.Refund(ctx, p, application.RefundCommand{
		PaymentID: req.PaymentID,
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"code":    res.Code,
		"message": res.Message,
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
