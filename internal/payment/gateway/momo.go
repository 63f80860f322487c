package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nqtran/shopflow/pkg/apperror"
)

type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	CreateURL   string
	RefundURL   string
	ReturnURL   string
	NotifyURL   string
}

// MoMo signs a pipe-joined string of specific fields in a fixed order with
// HMAC-SHA256. The field tables below are shared between request building and
// callback verification.
type MoMo struct {
	cfg    MoMoConfig
	client *http.Client
}

func NewMoMo(cfg MoMoConfig, client *http.Client) *MoMo {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &MoMo{cfg: cfg, client: client}
}

func (g *MoMo) Method() Method { return MethodMoMo }

func (g *MoMo) CreatePaymentURL(ctx context.Context, req CreateRequest) (CreateResult, error) {
	amount := strconv.FormatInt(req.Amount, 10)
	raw := strings.Join([]string{
		g.cfg.PartnerCode,
		g.cfg.AccessKey,
		req.RequestID,
		amount,
		req.PaymentID,
		req.OrderInfo,
		g.cfg.ReturnURL,
		g.cfg.NotifyURL,
		"", // extraData
	}, "|")

	body := map[string]string{
		"partnerCode": g.cfg.PartnerCode,
		"accessKey":   g.cfg.AccessKey,
		"requestId":   req.RequestID,
		"amount":      amount,
		"orderId":     req.PaymentID,
		"orderInfo":   req.OrderInfo,
		"returnUrl":   g.cfg.ReturnURL,
		"notifyUrl":   g.cfg.NotifyURL,
		"extraData":   "",
		"requestType": "captureWallet",
		"signature":   g.sign(raw),
	}

	var resp struct {
		PayURL       string `json:"payUrl"`
		ErrorCode    int    `json:"errorCode"`
		Message      string `json:"message"`
		LocalMessage string `json:"localMessage"`
	}
	if err := g.post(ctx, g.cfg.CreateURL, body, &resp); err != nil {
		return CreateResult{}, err
	}
	if resp.ErrorCode != 0 {
		return CreateResult{}, apperror.Newf(apperror.KindGateway, "momo: create rejected with code %d: %s", resp.ErrorCode, resp.Message)
	}
	if resp.PayURL == "" {
		return CreateResult{}, apperror.New(apperror.KindGateway, "momo: create response missing payUrl")
	}
	return CreateResult{RedirectURL: resp.PayURL}, nil
}

// momoCallbackFields is the exact signing order of MoMo callback parameters.
var momoCallbackFields = []string{
	"partnerCode",
	"accessKey",
	"requestId",
	"amount",
	"orderId",
	"orderInfo",
	"orderType",
	"transId",
	"message",
	"localMessage",
	"responseTime",
	"errorCode",
	"payType",
	"extraData",
}

func (g *MoMo) VerifyCallback(_ context.Context, params url.Values) (CallbackResult, error) {
	parts := make([]string, 0, len(momoCallbackFields))
	for _, f := range momoCallbackFields {
		parts = append(parts, params.Get(f))
	}
	expected := g.sign(strings.Join(parts, "|"))
	provided := params.Get("signature")

	res := CallbackResult{
		PaymentRef:  params.Get("orderId"),
		ProviderRef: params.Get("transId"),
		Code:        params.Get("errorCode"),
	}
	if amount, err := strconv.ParseInt(params.Get("amount"), 10, 64); err == nil {
		res.Amount = amount
	}
	res.Valid = provided != "" && hmac.Equal([]byte(expected), []byte(provided))
	res.Succeeded = res.Valid && res.Code == "0"
	return res, nil
}

func (g *MoMo) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	amount := strconv.FormatInt(req.Amount, 10)
	raw := strings.Join([]string{
		g.cfg.PartnerCode,
		g.cfg.AccessKey,
		req.RequestID,
		amount,
		req.PaymentRef,
		req.ProviderRef,
	}, "|")

	body := map[string]string{
		"partnerCode": g.cfg.PartnerCode,
		"accessKey":   g.cfg.AccessKey,
		"requestId":   req.RequestID,
		"amount":      amount,
		"orderId":     req.PaymentRef,
		"transId":     req.ProviderRef,
		"requestType": "refundMoMoWallet",
		"signature":   g.sign(raw),
	}

	var resp map[string]any
	if err := g.post(ctx, g.cfg.RefundURL, body, &resp); err != nil {
		return RefundResult{}, err
	}
	res := RefundResult{Raw: resp}
	switch code := resp["errorCode"].(type) {
	case float64:
		res.Code = strconv.Itoa(int(code))
	case string:
		res.Code = code
	}
	if msg, ok := resp["message"].(string); ok {
		res.Message = msg
	}
	if res.Code != "0" {
		return res, apperror.Newf(apperror.KindGateway, "momo: refund rejected with code %q", res.Code)
	}
	return res, nil
}

func (g *MoMo) post(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return apperror.Gatewayf("momo", err, "request to %s failed", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return apperror.Newf(apperror.KindGateway, "momo: endpoint returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.Gatewayf("momo", err, "malformed response")
	}
	return nil
}

func (g *MoMo) sign(data string) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.SecretKey))
	_, _ = fmt.Fprint(mac, data)
	return hex.EncodeToString(mac.Sum(nil))
}
