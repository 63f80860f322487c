package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nqtran/shopflow/pkg/apperror"
)

type PayPalConfig struct {
	ClientID  string
	Secret    string
	BaseURL   string
	ReturnURL string
	CancelURL string
}

// PayPal drives the classic payments REST flow: client-credentials token, then
// create -> customer approval -> execute. There is no independent signature
// check; a callback is verified by the execute call reporting state "approved".
// The bearer token is fetched per request, which re-authenticates every call.
type PayPal struct {
	cfg    PayPalConfig
	client *http.Client
}

func NewPayPal(cfg PayPalConfig, client *http.Client) *PayPal {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &PayPal{cfg: cfg, client: client}
}

func (g *PayPal) Method() Method { return MethodPayPal }

type paypalAmount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalSale struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type paypalRelated struct {
	Sale paypalSale `json:"sale"`
}

type paypalTransaction struct {
	Amount           paypalAmount    `json:"amount"`
	Description      string          `json:"description,omitempty"`
	RelatedResources []paypalRelated `json:"related_resources,omitempty"`
}

type paypalPayment struct {
	ID           string              `json:"id"`
	Intent       string              `json:"intent"`
	State        string              `json:"state"`
	Transactions []paypalTransaction `json:"transactions"`
	Links        []paypalLink        `json:"links"`
}

func (g *PayPal) CreatePaymentURL(ctx context.Context, req CreateRequest) (CreateResult, error) {
	token, err := g.token(ctx)
	if err != nil {
		return CreateResult{}, err
	}

	body := map[string]any{
		"intent": "sale",
		"payer":  map[string]string{"payment_method": "paypal"},
		"redirect_urls": map[string]string{
			"return_url": g.cfg.ReturnURL,
			"cancel_url": g.cfg.CancelURL,
		},
		"transactions": []map[string]any{{
			"amount": paypalAmount{
				Total:    formatPayPalAmount(req.Amount, req.Currency),
				Currency: req.Currency,
			},
			"description": req.Description,
		}},
	}

	var payment paypalPayment
	if err := g.do(ctx, http.MethodPost, "/v1/payments/payment", token, body, &payment); err != nil {
		return CreateResult{}, err
	}

	for _, link := range payment.Links {
		if link.Rel == "approval_url" {
			return CreateResult{RedirectURL: link.Href, ProviderRef: payment.ID}, nil
		}
	}
	return CreateResult{}, apperror.New(apperror.KindGateway, "paypal: create response missing approval_url link")
}

func (g *PayPal) VerifyCallback(ctx context.Context, params url.Values) (CallbackResult, error) {
	paymentID := params.Get("paymentId")
	payerID := params.Get("PayerID")
	if paymentID == "" || payerID == "" {
		return CallbackResult{}, nil
	}

	token, err := g.token(ctx)
	if err != nil {
		return CallbackResult{}, err
	}

	var executed paypalPayment
	path := fmt.Sprintf("/v1/payments/payment/%s/execute", url.PathEscape(paymentID))
	if err := g.do(ctx, http.MethodPost, path, token, map[string]string{"payer_id": payerID}, &executed); err != nil {
		return CallbackResult{}, err
	}

	res := CallbackResult{
		ProviderPaymentID: paymentID,
		Valid:             true,
		Succeeded:         executed.State == "approved",
		Code:              executed.State,
	}
	if sale, ok := firstSale(executed); ok {
		res.ProviderRef = sale.ID
	}
	return res, nil
}

func (g *PayPal) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	token, err := g.token(ctx)
	if err != nil {
		return RefundResult{}, err
	}

	// The refund target is the sale, not the payment; look it up first.
	var payment paypalPayment
	lookupPath := "/v1/payments/payment/" + url.PathEscape(req.ProviderRef)
	if err := g.do(ctx, http.MethodGet, lookupPath, token, nil, &payment); err != nil {
		return RefundResult{}, err
	}
	sale, ok := firstSale(payment)
	if !ok {
		return RefundResult{}, apperror.New(apperror.KindGateway, "paypal: payment has no sale to refund")
	}

	var raw map[string]any
	refundPath := fmt.Sprintf("/v1/payments/sale/%s/refund", url.PathEscape(sale.ID))
	if err := g.do(ctx, http.MethodPost, refundPath, token, map[string]any{}, &raw); err != nil {
		return RefundResult{}, err
	}
	res := RefundResult{Raw: raw}
	if state, ok := raw["state"].(string); ok {
		res.Code = state
	}
	return res, nil
}

func (g *PayPal) token(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.SetBasicAuth(g.cfg.ClientID, g.cfg.Secret)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", apperror.Gatewayf("paypal", err, "token request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperror.Newf(apperror.KindGateway, "paypal: token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apperror.Gatewayf("paypal", err, "malformed token response")
	}
	if body.AccessToken == "" {
		return "", apperror.New(apperror.KindGateway, "paypal: token response missing access_token")
	}
	return body.AccessToken, nil
}

func (g *PayPal) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return apperror.Gatewayf("paypal", err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperror.Newf(apperror.KindGateway, "paypal: %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperror.Gatewayf("paypal", err, "malformed response from %s", path)
		}
	}
	return nil
}

func firstSale(p paypalPayment) (paypalSale, bool) {
	for _, tx := range p.Transactions {
		for _, rel := range tx.RelatedResources {
			if rel.Sale.ID != "" {
				return rel.Sale, true
			}
		}
	}
	return paypalSale{}, false
}

// formatPayPalAmount renders minor units as the decimal string PayPal expects.
// Zero-decimal currencies (VND, JPY) are sent without a fraction.
func formatPayPalAmount(amount int64, currency string) string {
	switch strings.ToUpper(currency) {
	case "VND", "JPY", "TWD", "HUF":
		return fmt.Sprintf("%d", amount)
	default:
		return fmt.Sprintf("%d.%02d", amount/100, amount%100)
	}
}
